package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/atomic"
)

// Config 压测配置
type Config struct {
	Mode        string        // connect-only, status-churn
	Target      string        // /ws/presence 地址
	UserPrefix  string        // 压测用户 id 前缀
	Conns       int           // 总连接数
	ConnsPerUID int           // 每个用户的连接数
	Duration    time.Duration // 压测持续时间
	Ramp        time.Duration // 爬坡时间
	ChurnEvery  time.Duration // 状态切换间隔（status-churn 模式）
	Output      string        // 输出格式：text, json, csv
	Verbose     bool
}

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	Attempts     atomic.Int64
	Ready        atomic.Int64
	Failed       atomic.Int64
	Current      atomic.Int64
	StatusSent   atomic.Int64
	EventsRecv   atomic.Int64
	ServerErrors atomic.Int64

	// 纳秒
	readyLatencies []int64
	eventLatencies []int64

	errors map[string]int64

	start time.Time
	end   time.Time
}

func (s *Stats) recordError(err error) {
	msg := err.Error()
	if len(msg) > 50 {
		msg = msg[:50]
	}
	s.mu.Lock()
	s.errors[msg]++
	s.mu.Unlock()
}

// Result 压测结果
type Result struct {
	Mode        string           `json:"mode"`
	Target      string           `json:"target"`
	Attempts    int64            `json:"attempts"`
	Ready       int64            `json:"ready"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"success_rate_percent"`
	ReadyMs     LatencyStats     `json:"ready_latency_ms"`
	StatusSent  int64            `json:"status_sent"`
	EventsRecv  int64            `json:"events_received"`
	EventMs     LatencyStats     `json:"event_latency_ms"`
	ServerErrs  int64            `json:"server_errors"`
	Errors      map[string]int64 `json:"errors"`
	Seconds     float64          `json:"seconds"`
}

// LatencyStats 延迟统计（毫秒）
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type statusEvent struct {
	User struct {
		ID     string `json:"_id"`
		Status string `json:"status"`
	} `json:"user"`
}

// benchConn 一个压测连接，只关注自己用户的状态事件
type benchConn struct {
	id   int
	uid  string
	conn *websocket.Conn

	wmu sync.Mutex

	// 最近一次状态切换
	pmu         sync.Mutex
	pending     string
	pendingSent time.Time
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== wsbench - presence 压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d（每用户 %d）\n", cfg.Conns, cfg.ConnsPerUID)
	fmt.Printf("持续时间: %s，爬坡: %s\n\n", cfg.Duration, cfg.Ramp)

	stats := &Stats{errors: make(map[string]int64), start: time.Now()}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, stats)
	stats.end = time.Now()

	result := buildResult(cfg, stats)
	switch cfg.Output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	case "csv":
		outputCSV(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", "connect-only", "压测模式: connect-only, status-churn")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8085/ws/presence", "presence WebSocket 地址")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", "bench_", "用户 id 前缀")
	flag.IntVar(&cfg.Conns, "conns", 1000, "总连接数")
	flag.IntVar(&cfg.ConnsPerUID, "conns-per-user", 1, "每个用户的连接数")
	flag.DurationVar(&cfg.Duration, "duration", 2*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 30*time.Second, "爬坡时间")
	flag.DurationVar(&cfg.ChurnEvery, "churn-every", 5*time.Second, "每个连接切换状态的间隔")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json, csv")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")
	flag.Parse()

	if cfg.ConnsPerUID <= 0 {
		cfg.ConnsPerUID = 1
	}
	if cfg.Ramp <= 0 {
		cfg.Ramp = time.Second
	}
	return cfg
}

func runBench(ctx context.Context, cfg Config, stats *Stats) {
	perSecond := math.Max(float64(cfg.Conns)/cfg.Ramp.Seconds(), 1)
	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", perSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / perSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
ramp:
	for id := 0; id < cfg.Conns; id++ {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C:
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := dial(ctx, id, cfg, stats)
			_ = bar.Add(1)
			if c == nil {
				return
			}
			c.run(ctx, cfg, stats)
		}(id)
	}
	_ = bar.Finish()
	fmt.Println()

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-report.C:
			fmt.Printf("[%s] 在线连接: %d, 状态切换: %d, 收到事件: %d\n",
				time.Since(stats.start).Truncate(time.Second),
				stats.Current.Load(), stats.StatusSent.Load(), stats.EventsRecv.Load())
		}
	}
}

func dial(ctx context.Context, id int, cfg Config, stats *Stats) *benchConn {
	stats.Attempts.Inc()
	uid := fmt.Sprintf("%s%d", cfg.UserPrefix, id/cfg.ConnsPerUID)

	target, err := url.Parse(cfg.Target)
	if err != nil {
		stats.Failed.Inc()
		stats.recordError(err)
		return nil
	}
	q := target.Query()
	q.Set("uid", uid)
	q.Set("watch", uid)
	target.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	start := time.Now()
	ws, _, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		stats.Failed.Inc()
		stats.recordError(err)
		if cfg.Verbose {
			fmt.Printf("连接 %d 失败: %v\n", id, err)
		}
		return nil
	}

	// 服务端完成上线后才发 ready
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg wsMessage
	if err := ws.ReadJSON(&msg); err != nil || msg.Type != "ready" {
		if err == nil {
			err = fmt.Errorf("unexpected first message %q", msg.Type)
		}
		stats.Failed.Inc()
		stats.recordError(err)
		_ = ws.Close()
		return nil
	}
	_ = ws.SetReadDeadline(time.Time{})

	stats.mu.Lock()
	stats.readyLatencies = append(stats.readyLatencies, time.Since(start).Nanoseconds())
	stats.mu.Unlock()
	stats.Ready.Inc()

	return &benchConn{id: id, uid: uid, conn: ws}
}

func (c *benchConn) run(ctx context.Context, cfg Config, stats *Stats) {
	stats.Current.Inc()
	defer stats.Current.Dec()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(stats)
	}()

	var churn <-chan time.Time
	if cfg.Mode == "status-churn" {
		t := time.NewTicker(cfg.ChurnEvery)
		defer t.Stop()
		churn = t.C
	}

	next := "away"
	for {
		select {
		case <-ctx.Done():
			c.close()
			<-readDone
			return
		case <-readDone:
			_ = c.conn.Close()
			return
		case <-churn:
			if err := c.sendStatus(next); err != nil {
				stats.recordError(err)
				continue
			}
			stats.StatusSent.Inc()
			if next == "away" {
				next = "online"
			} else {
				next = "away"
			}
		}
	}
}

func (c *benchConn) sendStatus(status string) error {
	data, _ := json.Marshal(map[string]string{"status": status})
	c.pmu.Lock()
	c.pending, c.pendingSent = status, time.Now()
	c.pmu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(wsMessage{Type: "status", Data: data})
}

func (c *benchConn) readLoop(stats *Stats) {
	c.conn.SetPingHandler(func(appData string) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "presence.status":
			var event statusEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil || event.User.ID != c.uid {
				continue
			}
			stats.EventsRecv.Inc()
			c.pmu.Lock()
			if c.pending != "" && c.pending == event.User.Status {
				stats.mu.Lock()
				stats.eventLatencies = append(stats.eventLatencies, time.Since(c.pendingSent).Nanoseconds())
				stats.mu.Unlock()
				c.pending = ""
			}
			c.pmu.Unlock()
		case "error":
			stats.ServerErrors.Inc()
		}
	}
}

func (c *benchConn) close() {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	_ = c.conn.Close()
}

func buildResult(cfg Config, stats *Stats) Result {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	r := Result{
		Mode:       cfg.Mode,
		Target:     cfg.Target,
		Attempts:   stats.Attempts.Load(),
		Ready:      stats.Ready.Load(),
		Failed:     stats.Failed.Load(),
		ReadyMs:    latencyStats(stats.readyLatencies),
		StatusSent: stats.StatusSent.Load(),
		EventsRecv: stats.EventsRecv.Load(),
		EventMs:    latencyStats(stats.eventLatencies),
		ServerErrs: stats.ServerErrors.Load(),
		Errors:     stats.errors,
		Seconds:    stats.end.Sub(stats.start).Seconds(),
	}
	if r.Attempts > 0 {
		r.SuccessRate = float64(r.Ready) / float64(r.Attempts) * 100
	}
	return r
}

func latencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ms := func(ns int64) float64 { return float64(ns) / 1e6 }
	pct := func(p float64) float64 {
		idx := int(float64(len(sorted)-1) * p)
		return ms(sorted[idx])
	}

	var sum float64
	for _, l := range sorted {
		sum += ms(l)
	}
	avg := sum / float64(len(sorted))
	var variance float64
	for _, l := range sorted {
		d := ms(l) - avg
		variance += d * d
	}

	return LatencyStats{
		Min:    ms(sorted[0]),
		Max:    ms(sorted[len(sorted)-1]),
		Avg:    avg,
		P50:    pct(0.50),
		P90:    pct(0.90),
		P99:    pct(0.99),
		StdDev: math.Sqrt(variance / float64(len(sorted))),
	}
}

func outputText(r Result) {
	fmt.Println()
	fmt.Println("=== 压测结果 ===")
	fmt.Printf("连接: 尝试 %d, 成功 %d, 失败 %d (%.2f%%)\n", r.Attempts, r.Ready, r.Failed, r.SuccessRate)
	fmt.Printf("上线延迟(ms): avg %.2f p50 %.2f p90 %.2f p99 %.2f max %.2f\n",
		r.ReadyMs.Avg, r.ReadyMs.P50, r.ReadyMs.P90, r.ReadyMs.P99, r.ReadyMs.Max)
	if r.Mode == "status-churn" {
		fmt.Printf("状态切换: %d, 收到事件: %d, 服务端错误: %d\n", r.StatusSent, r.EventsRecv, r.ServerErrs)
		fmt.Printf("广播延迟(ms): avg %.2f p50 %.2f p90 %.2f p99 %.2f max %.2f\n",
			r.EventMs.Avg, r.EventMs.P50, r.EventMs.P90, r.EventMs.P99, r.EventMs.Max)
	}
	if len(r.Errors) > 0 {
		fmt.Println("错误:")
		for msg, n := range r.Errors {
			fmt.Printf("  %6d  %s\n", n, msg)
		}
	}
	fmt.Printf("耗时: %.1fs\n", r.Seconds)
}

func outputCSV(r Result) {
	fmt.Println("mode,attempts,ready,failed,ready_p50_ms,ready_p99_ms,status_sent,events_received,event_p50_ms,event_p99_ms")
	fmt.Printf("%s,%d,%d,%d,%.2f,%.2f,%d,%d,%.2f,%.2f\n",
		r.Mode, r.Attempts, r.Ready, r.Failed, r.ReadyMs.P50, r.ReadyMs.P99,
		r.StatusSent, r.EventsRecv, r.EventMs.P50, r.EventMs.P99)
}
