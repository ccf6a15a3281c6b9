package payment

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"preorder/internal/config"

	"github.com/shopspring/decimal"
)

type LineItem struct {
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Request 发给网关的扣款请求，Reference 为订单 id。
type Request struct {
	Reference  string
	PayerEmail string
	Items      []LineItem
	Amount     decimal.Decimal
}

type Response struct {
	RedirectURL string
	PollURL     string
	Raw         map[string]string
}

// Callback 验签通过的网关状态，来自 result URL 推送或 poll URL 查询。
type Callback struct {
	Reference  string
	Status     string
	GatewayRef string
	Amount     string
	PollURL    string
	Raw        map[string]string
}

type Gateway interface {
	Initiate(ctx context.Context, req Request) (Response, error)
	VerifyCallback(body []byte) (Callback, error)
	Poll(ctx context.Context, pollURL string) (Callback, error)
}

var (
	ErrBadHash  = errors.New("gateway hash mismatch")
	ErrRejected = errors.New("gateway rejected the request")
)

// PaynowGateway 以 form-post 方式对接 Paynow 风格网关：
// 请求与回调都携带 hash = upper(hex(sha512(按字段顺序拼接的值 + integration key)))。
type PaynowGateway struct {
	cfg    config.GatewayConfig
	client *http.Client
}

func NewPaynowGateway(cfg config.GatewayConfig) *PaynowGateway {
	return &PaynowGateway{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (g *PaynowGateway) Initiate(ctx context.Context, req Request) (Response, error) {
	fields := []field{
		{"id", g.cfg.IntegrationID},
		{"reference", req.Reference},
		{"amount", req.Amount.StringFixed(2)},
		{"additionalinfo", describe(req.Items)},
		{"returnurl", g.cfg.ReturnURL},
		{"resulturl", g.cfg.ResultURL},
		{"authemail", req.PayerEmail},
		{"status", "Message"},
	}
	fields = append(fields, field{"hash", sign(fields, g.cfg.IntegrationKey)})

	out, err := g.post(ctx, g.cfg.URL, encode(fields))
	if err != nil {
		return Response{}, err
	}
	raw := toMap(out)
	if !strings.EqualFold(raw["status"], "ok") {
		msg := raw["error"]
		if msg == "" {
			msg = raw["status"]
		}
		return Response{Raw: raw}, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	if err := verify(out, g.cfg.IntegrationKey); err != nil {
		return Response{Raw: raw}, err
	}
	if raw["browserurl"] == "" || raw["pollurl"] == "" {
		return Response{Raw: raw}, fmt.Errorf("gateway response is missing browserurl or pollurl")
	}
	return Response{RedirectURL: raw["browserurl"], PollURL: raw["pollurl"], Raw: raw}, nil
}

func (g *PaynowGateway) VerifyCallback(body []byte) (Callback, error) {
	fields, err := parseFields(string(body))
	if err != nil {
		return Callback{}, err
	}
	if err := verify(fields, g.cfg.IntegrationKey); err != nil {
		return Callback{}, err
	}
	return toCallback(fields)
}

func (g *PaynowGateway) Poll(ctx context.Context, pollURL string) (Callback, error) {
	fields, err := g.post(ctx, pollURL, "")
	if err != nil {
		return Callback{}, err
	}
	if err := verify(fields, g.cfg.IntegrationKey); err != nil {
		return Callback{}, err
	}
	return toCallback(fields)
}

func (g *PaynowGateway) post(ctx context.Context, target, form string) ([]field, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	return parseFields(string(body))
}

func toCallback(fields []field) (Callback, error) {
	raw := toMap(fields)
	cb := Callback{
		Reference:  raw["reference"],
		Status:     raw["status"],
		GatewayRef: raw["paynowreference"],
		Amount:     raw["amount"],
		PollURL:    raw["pollurl"],
		Raw:        raw,
	}
	if cb.Reference == "" || cb.Status == "" {
		return Callback{}, fmt.Errorf("callback is missing reference or status")
	}
	return cb, nil
}

// field 保留报文字段顺序，hash 依赖该顺序。
type field struct{ key, value string }

func sign(fields []field, key string) string {
	h := sha512.New()
	for _, f := range fields {
		if strings.EqualFold(f.key, "hash") {
			continue
		}
		h.Write([]byte(f.value))
	}
	h.Write([]byte(key))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func verify(fields []field, key string) error {
	var got string
	for _, f := range fields {
		if strings.EqualFold(f.key, "hash") {
			got = strings.ToUpper(f.value)
		}
	}
	if got == "" {
		return fmt.Errorf("%w: hash missing", ErrBadHash)
	}
	want := sign(fields, key)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrBadHash
	}
	return nil
}

func parseFields(s string) ([]field, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty gateway payload")
	}
	parts := strings.Split(s, "&")
	out := make([]field, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", k, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", key, err)
		}
		out = append(out, field{strings.ToLower(key), val})
	}
	return out, nil
}

func encode(fields []field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, url.QueryEscape(f.key)+"="+url.QueryEscape(f.value))
	}
	return strings.Join(parts, "&")
}

func toMap(fields []field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.key] = f.value
	}
	return m
}

func describe(items []LineItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s x%d @ %s", it.Name, it.Quantity, it.UnitPrice.StringFixed(2)))
	}
	return strings.Join(parts, ", ")
}
