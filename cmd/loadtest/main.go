package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"seckill/internal/middleware"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type client struct {
	http      *http.Client
	baseURL   string
	jwtSecret string
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	voucherID := flag.Int64("voucher", 0, "existing voucher id; 0 publishes a new one")
	stock := flag.Int64("stock", 100, "stock of the published voucher")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for publish endpoint")
	jwtSecret := flag.String("jwt-secret", "", "sign HS256 tokens instead of sending X-User-ID")

	// 超卖测试：不同用户并发抢
	nUsers := flag.Int("users", 1000, "distinct users")
	concurrency := flag.Int("c", 100, "max concurrency")
	// 一人一单测试：同一用户重复抢
	sameUser := flag.Int("same", 50, "attempts by one user")
	flag.Parse()

	cl := &client{
		http:      &http.Client{Timeout: 5 * time.Second},
		baseURL:   *baseURL,
		jwtSecret: *jwtSecret,
	}

	id := *voucherID
	if id == 0 {
		var err error
		id, err = cl.publish(*adminToken, *stock)
		if err != nil {
			panic(fmt.Sprintf("publish failed: %v", err))
		}
		fmt.Printf("published voucher=%d stock=%d\n", id, *stock)
	}

	// 1) 不超卖：202 的数量不应超过库存
	fmt.Printf("start oversell test: voucher=%d users=%d concurrency=%d\n", id, *nUsers, *concurrency)
	results := runBuy(*nUsers, *concurrency, func(i int) Result {
		return cl.buyOnce(id, int64(i+1))
	})
	printSummary("oversell", results)

	// 2) 一人一单：至多一个 202
	userID := int64(*nUsers + 1)
	fmt.Printf("\nstart one-per-user test: user=%d attempts=%d\n", userID, *sameUser)
	results = runBuy(*sameUser, *sameUser, func(int) Result {
		return cl.buyOnce(id, userID)
	})
	printSummary("one_per_user", results)

	left, err := cl.getStock(id)
	if err != nil {
		fmt.Println("stock check err:", err)
		return
	}
	fmt.Println("\nfinal cache stock:", left)
}

func runBuy(total, concurrency int, buy func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = buy(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func (cl *client) buyOnce(voucherID, userID int64) Result {
	url := fmt.Sprintf("%s/voucher/seckill/%d", cl.baseURL, voucherID)
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	if cl.jwtSecret != "" {
		token, err := middleware.SignToken(cl.jwtSecret, userID, time.Hour)
		if err != nil {
			return Result{Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary 聚合输出不同状态码分布，409 再按原因细分。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	reasons := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
		if r.Status == http.StatusConflict {
			var out struct {
				Reason string `json:"reason"`
			}
			if json.Unmarshal([]byte(r.Body), &out) == nil {
				reasons[out.Reason]++
			}
		}
	}

	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	for reason, n := range reasons {
		fmt.Printf("    409 %q -> %d\n", reason, n)
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// publish 发布一张立即开售、一小时后结束的秒杀券。
func (cl *client) publish(adminToken string, stock int64) (int64, error) {
	now := time.Now()
	body := map[string]any{
		"title":       "loadtest voucher",
		"payValue":    8000,
		"actualValue": 10000,
		"stock":       stock,
		"beginTime":   now.Add(-time.Minute).Format(time.RFC3339),
		"endTime":     now.Add(time.Hour).Format(time.RFC3339),
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, cl.baseURL+"/admin/voucher/seckill", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := cl.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(raw))
	}

	var out struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return out.Data.ID, nil
}

// getStock 查询缓存中当前库存，用于压测后校验是否出现超卖。
func (cl *client) getStock(voucherID int64) (int64, error) {
	resp, err := cl.http.Get(fmt.Sprintf("%s/voucher/seckill/%d/stock", cl.baseURL, voucherID))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}
