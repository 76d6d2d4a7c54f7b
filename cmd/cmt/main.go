// cmt 是conreg的集群管理工具。
// 所有操作走普通管理接口，可指向集群中任意节点，
// 写操作遇到重定向时自动改投Leader。
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hewenyu/conreg/pkg/protocol"
)

// 退出码
const (
	exitOK      = 0
	exitUsage   = 2
	exitCluster = 3
	exitTimeout = 4
)

const requestTimeout = 15 * time.Second

var errTimeout = errors.New("请求超时")

func usage() {
	fmt.Fprintf(os.Stderr, `用法: cmt -s <server> <command> [args]

命令:
  init <id=addr> [id=addr ...]   初始化集群成员
  add-learner <id=addr>          加入Learner节点
  promote <id>                   晋升Learner为投票者
  remove-node <id>               摘除节点
  status                         查看集群状态
  monitor [-i seconds]           循环刷新集群状态

选项:
  -s, --server   集群中任意节点地址 (默认 127.0.0.1:8000)
`)
}

func main() {
	var server string
	flag.StringVar(&server, "s", "127.0.0.1:8000", "集群中任意节点地址")
	flag.StringVar(&server, "server", "127.0.0.1:8000", "集群中任意节点地址")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(exitUsage)
	}

	client := &cmtClient{server: server, http: &http.Client{Timeout: requestTimeout}}

	var err error
	switch args[0] {
	case "init":
		err = cmdInit(client, args[1:])
	case "add-learner":
		err = cmdAddLearner(client, args[1:])
	case "promote":
		err = cmdPromote(client, args[1:])
	case "remove-node":
		err = cmdRemoveNode(client, args[1:])
	case "status":
		err = cmdStatus(client)
	case "monitor":
		err = cmdMonitor(client, args[1:])
	default:
		usage()
		os.Exit(exitUsage)
	}

	switch {
	case err == nil:
		os.Exit(exitOK)
	case errors.Is(err, errTimeout):
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(exitTimeout)
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, "错误:", err)
		usage()
		os.Exit(exitUsage)
	default:
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(exitCluster)
	}
}

var errUsage = errors.New("参数无效")

// parseNode 解析"id=ip:port"形式的节点描述
func parseNode(s string) (uint64, string, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("%w: 节点格式应为 id=ip:port，实际 %q", errUsage, s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || id == 0 {
		return 0, "", fmt.Errorf("%w: 非法节点ID %q", errUsage, parts[0])
	}
	return id, parts[1], nil
}

func cmdInit(c *cmtClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: init 需要至少一个 id=addr", errUsage)
	}
	var pairs [][2]interface{}
	for _, arg := range args {
		id, addr, err := parseNode(arg)
		if err != nil {
			return err
		}
		pairs = append(pairs, [2]interface{}{id, addr})
	}
	if _, err := c.post("/api/cluster/init", pairs); err != nil {
		return err
	}
	fmt.Println("集群初始化完成")
	return nil
}

func cmdAddLearner(c *cmtClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: add-learner 需要一个 id=addr", errUsage)
	}
	id, addr, err := parseNode(args[0])
	if err != nil {
		return err
	}
	if _, err := c.post("/api/cluster/add-learner", map[string]interface{}{"id": id, "addr": addr}); err != nil {
		return err
	}
	fmt.Printf("Learner %d 已加入，开始追赶\n", id)
	return nil
}

func cmdPromote(c *cmtClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: promote 需要一个节点ID", errUsage)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("%w: 非法节点ID %q", errUsage, args[0])
	}
	if _, err := c.post("/api/cluster/promote", map[string]interface{}{"id": id}); err != nil {
		return err
	}
	fmt.Printf("节点 %d 已晋升为投票者\n", id)
	return nil
}

func cmdRemoveNode(c *cmtClient, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: remove-node 需要一个节点ID", errUsage)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("%w: 非法节点ID %q", errUsage, args[0])
	}
	if _, err := c.post("/api/cluster/remove-node", map[string]interface{}{"id": id}); err != nil {
		return err
	}
	fmt.Printf("节点 %d 已摘除\n", id)
	return nil
}

func cmdStatus(c *cmtClient) error {
	data, err := c.get("/api/cluster/status")
	if err != nil {
		return err
	}
	printStatus(data)
	return nil
}

func cmdMonitor(c *cmtClient, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	interval := fs.Int("i", 5, "刷新间隔（秒）")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	for {
		data, err := c.get("/api/cluster/status")
		if err != nil {
			fmt.Fprintln(os.Stderr, "错误:", err)
		} else {
			fmt.Printf("---- %s ----\n", time.Now().Format("15:04:05"))
			printStatus(data)
		}
		time.Sleep(time.Duration(*interval) * time.Second)
	}
}

// printStatus 打印status接口的载荷
func printStatus(data json.RawMessage) {
	var st struct {
		NodeID       uint64 `json:"node_id"`
		Role         string `json:"role"`
		Term         uint64 `json:"term"`
		LeaderID     uint64 `json:"leader_id"`
		LeaderAddr   string `json:"leader_addr"`
		LastLogIndex uint64 `json:"last_log_index"`
		CommitIndex  uint64 `json:"commit_index"`
		LastApplied  uint64 `json:"last_applied"`
		Members      []struct {
			NodeID  uint64 `json:"node_id"`
			Addr    string `json:"addr"`
			Voter   bool   `json:"voter"`
			Learner bool   `json:"learner"`
		} `json:"members"`
		Progress []struct {
			NodeID     uint64  `json:"node_id"`
			MatchIndex uint64  `json:"match_index"`
			NextIndex  uint64  `json:"next_index"`
			RTTMs      float64 `json:"rtt_ms"`
		} `json:"replication_progress"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		fmt.Println(string(data))
		return
	}

	fmt.Printf("节点 %d  角色 %s  任期 %d  Leader %d(%s)\n",
		st.NodeID, st.Role, st.Term, st.LeaderID, st.LeaderAddr)
	fmt.Printf("日志 last=%d commit=%d applied=%d\n",
		st.LastLogIndex, st.CommitIndex, st.LastApplied)
	for _, m := range st.Members {
		kind := "voter"
		if m.Learner {
			kind = "learner"
		}
		fmt.Printf("  成员 %d  %s  %s\n", m.NodeID, m.Addr, kind)
	}
	for _, p := range st.Progress {
		fmt.Printf("  复制 %d  match=%d next=%d rtt=%.1fms\n",
			p.NodeID, p.MatchIndex, p.NextIndex, p.RTTMs)
	}
}

// cmtClient 管理端HTTP客户端，遇REDIRECT自动改投Leader
type cmtClient struct {
	server string
	http   *http.Client
}

func (c *cmtClient) post(path string, body interface{}) (json.RawMessage, error) {
	return c.do(http.MethodPost, c.server, path, body, 3)
}

func (c *cmtClient) get(path string) (json.RawMessage, error) {
	return c.do(http.MethodGet, c.server, path, nil, 3)
}

func (c *cmtClient) do(method, server, path string, body interface{}, redirectsLeft int) (json.RawMessage, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, "http://"+server+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if os.IsTimeout(err) || strings.Contains(err.Error(), "Timeout") {
			return nil, fmt.Errorf("%w: %v", errTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Code protocol.Code   `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	switch envelope.Code {
	case protocol.CodeOK:
		return envelope.Data, nil
	case protocol.CodeRedirect:
		if redirectsLeft <= 0 {
			return nil, errors.New("重定向次数过多")
		}
		var redirect protocol.RedirectData
		if err := json.Unmarshal(envelope.Data, &redirect); err != nil || redirect.LeaderAddr == "" {
			return nil, errors.New("集群当前没有Leader")
		}
		return c.do(method, redirect.LeaderAddr, path, body, redirectsLeft-1)
	case protocol.CodeTimeout:
		return nil, fmt.Errorf("%w: %s", errTimeout, envelope.Msg)
	default:
		return nil, fmt.Errorf("%s: %s", envelope.Code, envelope.Msg)
	}
}
