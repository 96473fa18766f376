package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// ErrTransferCodesUnavailable means the Redis backing store for transfer
// codes is down. The feature degrades; the rest of the service keeps running.
var ErrTransferCodesUnavailable = errors.New("transfer codes unavailable")

// QRService issues single-use transfer-request codes: a user encodes "send
// me N points" as a QR image, and whoever scans it redeems the code once.
// The payload lives only in Redis and expires on its own.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

const transferCodeTTL = 5 * time.Minute

// TransferCode is the payload behind one QR code.
type TransferCode struct {
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

func NewQRService(db *sql.DB, redisClient *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redisClient,
	}
}

// GenerateTransferCode creates a transfer-request code for the given
// receiver and returns the opaque code plus a base64 PNG of its QR image.
func (s *QRService) GenerateTransferCode(ctx context.Context, toUsername string, amount int64) (string, string, error) {
	if s.redis == nil {
		return "", "", ErrTransferCodesUnavailable
	}

	payload := TransferCode{
		To:        toUsername,
		Amount:    amount,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().Unix(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("transfercode:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, transferCodeTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return code, qrImage, nil
}

// RedeemTransferCode validates a scanned code and consumes it. The Redis key
// is deleted before the payload is returned, so a code redeems at most once;
// the caller then runs the actual transfer through the ledger.
func (s *QRService) RedeemTransferCode(ctx context.Context, code string) (*TransferCode, error) {
	if s.redis == nil {
		return nil, ErrTransferCodesUnavailable
	}

	key := fmt.Sprintf("transfercode:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired transfer code")
	}
	if err != nil {
		return nil, err
	}

	deleted, err := s.redis.Del(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if deleted == 0 {
		return nil, fmt.Errorf("transfer code already redeemed")
	}

	var payload TransferCode
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

// RestoreTransferCode puts a consumed code back after a failure the payer can
// correct, such as insufficient funds, so the same QR scan can be retried.
// The TTL restarts from the failed attempt.
func (s *QRService) RestoreTransferCode(ctx context.Context, code string, payload *TransferCode) error {
	if s.redis == nil {
		return ErrTransferCodesUnavailable
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("transfercode:%s", code)
	return s.redis.Set(ctx, key, jsonData, transferCodeTTL).Err()
}
