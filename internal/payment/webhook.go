package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature возвращается, если подпись события вебхука не прошла проверку.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// signatureTolerance — допустимое расхождение метки времени подписи,
// защищающее от повторного воспроизведения перехваченных событий.
const signatureTolerance = 5 * time.Minute

// SessionCompleted описывает подтверждённую оплату из события вебхука.
type SessionCompleted struct {
	SessionID string
	AccountID string
	Credits   int64
}

// VerifySignature проверяет подпись события по схеме "t=<unix>,v1=<hex>":
// HMAC-SHA256 от строки "<t>.<payload>" на секрете вебхука.
func VerifySignature(payload []byte, header, secret string) error {
	return verifySignatureAt(payload, header, secret, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, now time.Time) error {
	// Пустой секрет означает, что проверка не настроена: верифицировать
	// подпись на пустом ключе нельзя, такие события не принимаются.
	if secret == "" || header == "" {
		return ErrInvalidSignature
	}

	var timestamp int64
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, v)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return ErrInvalidSignature
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	return ErrInvalidSignature
}

// SignPayload формирует заголовок подписи для указанной полезной нагрузки.
// Используется в тестах и при локальной эмуляции провайдера.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseCompletedSession разбирает событие вебхука. Возвращает nil без ошибки
// для событий других типов: их нужно подтверждать, но не обрабатывать.
func ParseCompletedSession(payload []byte) (*SessionCompleted, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, nil
	}

	obj := event.Data.Object
	if obj.ID == "" {
		return nil, fmt.Errorf("missing session id in event")
	}

	accountID := obj.Metadata["account_id"]
	if accountID == "" {
		return nil, fmt.Errorf("missing account_id in session metadata")
	}

	credits, err := strconv.ParseInt(obj.Metadata["credits"], 10, 64)
	if err != nil || credits <= 0 {
		return nil, fmt.Errorf("invalid credits in session metadata: %q", obj.Metadata["credits"])
	}

	return &SessionCompleted{
		SessionID: obj.ID,
		AccountID: accountID,
		Credits:   credits,
	}, nil
}
