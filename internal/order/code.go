package order

import (
	"crypto/rand"
	"math/big"

	"preorder/internal/model"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 10
)

// CodeGenerator 生成候选取餐码；唯一性由 orders.order_code 唯一索引保证。
type CodeGenerator func() (string, error)

// RandomCode 从 [A-Z0-9] 中随机取 model.OrderCodeLength 个字符。
func RandomCode() (string, error) {
	n := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, model.OrderCodeLength)
	for i := range buf {
		v, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[v.Int64()]
	}
	return string(buf), nil
}
