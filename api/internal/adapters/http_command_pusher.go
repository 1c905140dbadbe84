package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

const (
	setRulesPath      = "/setRules"
	systemRuleType    = "system"
	commandSuccess    = "success"
	maxCommandReplyKB = 64
)

// HTTPCommandPusher talks to the command API embedded in every Sentinel
// client: POST http://ip:port/setRules with type=system and data=<json>.
type HTTPCommandPusher struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPCommandPusher uses client, or a client with a 5s timeout when nil.
// The engine's sink timeout still applies through the request context.
func NewHTTPCommandPusher(client *http.Client, logger *zap.Logger) *HTTPCommandPusher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPCommandPusher{client: client, logger: logger}
}

// PushRules reports whether the machine answered 200 with body "success".
func (p *HTTPCommandPusher) PushRules(ctx context.Context, machine domain.MachineIdentity, rules []domain.SystemRule) bool {
	if rules == nil {
		rules = []domain.SystemRule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		p.logger.Error("Encode rules for machine failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}

	form := url.Values{}
	form.Set("type", systemRuleType)
	form.Set("data", string(data))

	endpoint := (&url.URL{Scheme: "http", Host: machine.Address(), Path: setRulesPath}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		p.logger.Error("Build setRules request failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("setRules request failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCommandReplyKB<<10))
	if err != nil {
		p.logger.Warn("Read setRules reply failed", zap.Stringer("machine", machine), zap.Error(err))
		return false
	}

	reply := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK || reply != commandSuccess {
		p.logger.Warn("Machine rejected setRules",
			zap.Stringer("machine", machine),
			zap.Int("status", resp.StatusCode),
			zap.String("reply", truncate(reply, 256)))
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
