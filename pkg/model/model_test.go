package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentMD5(t *testing.T) {
	// 32位十六进制，且与内容一一对应
	sum := ContentMD5("k: 1")
	assert.Len(t, sum, 32)
	assert.Equal(t, sum, ContentMD5("k: 1"))
	assert.NotEqual(t, sum, ContentMD5("k: 2"))
}

func TestInstanceKeyAndID(t *testing.T) {
	inst := &ServiceInstance{Address: "10.0.0.1", Port: 8080}
	assert.Equal(t, "10.0.0.1:8080", inst.InstanceKey())
	// 实例ID为实例键的md5
	assert.Equal(t, ContentMD5("10.0.0.1:8080"), inst.InstanceID())
}

func TestMetadataMD5_OrderIndependent(t *testing.T) {
	a := &ServiceInstance{Metadata: map[string]string{"x": "1", "y": "2"}}
	b := &ServiceInstance{Metadata: map[string]string{"y": "2", "x": "1"}}
	assert.Equal(t, a.MetadataMD5(), b.MetadataMD5())

	c := &ServiceInstance{Metadata: map[string]string{"x": "1", "y": "3"}}
	assert.NotEqual(t, a.MetadataMD5(), c.MetadataMD5())
}
