package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	http *http.Client
	base string
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminEmail := flag.String("admin-email", "admin@preorder.local", "admin email")
	adminPassword := flag.String("admin-password", "", "admin password")
	date := flag.String("date", time.Now().Format("2006-01-02"), "slot date (YYYY-MM-DD)")
	start := flag.String("start", "12:00", "slot start time")
	capacity := flag.Int("capacity", 5, "slot capacity")

	// 超订测试参数：50 个顾客并发预约容量为 5 的时段
	nUsers := flag.Int("users", 50, "distinct customers")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	if *adminPassword == "" {
		fmt.Fprintln(os.Stderr, "-admin-password is required")
		os.Exit(2)
	}

	c := &client{http: &http.Client{Timeout: 5 * time.Second}, base: *baseURL}
	run := time.Now().UnixNano()

	adminTok, err := c.login(*adminEmail, *adminPassword)
	must("admin login", err)

	// 1) 准备：一个餐品、一个取餐时段
	var meal struct {
		ID uint `json:"id"`
	}
	must("create meal", c.post(adminTok, "/api/meals", map[string]any{"name": fmt.Sprintf("loadtest-%d", run), "price": "1.00"}, &meal))

	startT, err := time.Parse("15:04", *start)
	must("parse start", err)
	var slot struct {
		ID uint `json:"id"`
	}
	must("create slot", c.post(adminTok, "/api/slots", map[string]any{
		"date":       *date,
		"start_time": startT.Format("15:04"),
		"end_time":   startT.Add(15 * time.Minute).Format("15:04"),
		"capacity":   *capacity,
	}, &slot))
	fmt.Printf("slot=%d capacity=%d\n", slot.ID, *capacity)

	// 2) 每个顾客下一单现金订单，后厨推进到 ready
	type customer struct {
		token   string
		orderID uint
	}
	customers := make([]customer, *nUsers)
	for i := range customers {
		email := fmt.Sprintf("lt-%d-%d@example.com", run, i)
		must("register", c.post("", "/api/auth/register", map[string]any{"name": fmt.Sprintf("Customer %d", i), "email": email, "password": "loadtest-pass"}, nil))
		tok, err := c.login(email, "loadtest-pass")
		must("customer login", err)
		var o struct {
			ID uint `json:"id"`
		}
		must("create order", c.post(tok, "/api/orders", map[string]any{
			"payment_method": "CASH",
			"items":          []map[string]any{{"meal_id": meal.ID, "quantity": 1}},
		}, &o))
		for _, step := range []string{"confirm", "ready"} {
			must(step, c.post(adminTok, fmt.Sprintf("/api/orders/%d/%s", o.ID, step), nil, nil))
		}
		customers[i] = customer{token: tok, orderID: o.ID}
	}
	fmt.Printf("prepared %d ready orders\n", len(customers))

	// 3) 不超订测试：不同顾客并发预约同一时段
	fmt.Printf("start overbooking test: slot=%d users=%d concurrency=%d\n", slot.ID, *nUsers, *concurrency)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(customers))
	for i, cu := range customers {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, cu customer) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = c.do(cu.token, http.MethodPost, fmt.Sprintf("/api/orders/%d/slot", cu.orderID), map[string]any{"slot_id": slot.ID})
		}(i, cu)
	}
	wg.Wait()
	printSummary("overbooking", results)

	booked := 0
	for _, r := range results {
		if r.Err == nil && r.Status == http.StatusOK {
			booked++
		}
	}
	want := min(*capacity, *nUsers)
	if booked != want {
		fmt.Printf("FAIL: %d bookings succeeded, want %d\n", booked, want)
		os.Exit(1)
	}

	var view struct {
		BookedCount int    `json:"booked_count"`
		Status      string `json:"status"`
	}
	must("get slot", c.get(adminTok, fmt.Sprintf("/api/slots/%d", slot.ID), &view))
	fmt.Printf("final slot: booked=%d status=%s\n", view.BookedCount, view.Status)
	if view.BookedCount != want {
		fmt.Printf("FAIL: booked_count=%d, want %d\n", view.BookedCount, want)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func must(step string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", step, err)
		os.Exit(1)
	}
}

func (c *client) login(email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post("", "/api/auth/login", map[string]any{"email": email, "password": password}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *client) post(token, path string, body, out any) error {
	return decode(c.do(token, http.MethodPost, path, body), out)
}

func (c *client) get(token, path string, out any) error {
	return decode(c.do(token, http.MethodGet, path, nil), out)
}

func (c *client) do(token, method, path string, body any) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return Result{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// decode 校验状态码并解出 data 字段。
func decode(res Result, out any) error {
	if res.Err != nil {
		return res.Err
	}
	if res.Status >= 300 {
		return fmt.Errorf("status=%d body=%s", res.Status, res.Body)
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(res.Body), &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 403, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
