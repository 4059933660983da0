package livefeed

import (
	"encoding/json"
	"strings"
	"time"

	"portfolio-core/internal/model"
)

// Frame types on the market-data stream.
//
// Outbound:
//
//	{"type":"connect","credentials":{"apiKey":"..","clientCode":"..","token":".."}}
//	{"type":"subscribe","correlationId":"..","tokens":["NSE|2885","BSE|500325"]}
//
// Inbound:
//
//	{"type":"auth","status":"ok"}                      accepted
//	{"type":"auth","status":"error","message":".."}    rejected
//	{"type":"tick","exchange":"NSE","token":"2885","price":2450.5}
//	{"type":"snapshot","data":[{"exchange":"NSE","token":"2885","price":2450.5}]}
//	{"type":"subscribed","exchange":"NSE","token":"2885","price":2450.5}
const (
	FrameConnect    = "connect"
	FrameSubscribe  = "subscribe"
	FrameAuth       = "auth"
	FrameTick       = "tick"
	FrameSnapshot   = "snapshot"
	FrameSubscribed = "subscribed"
	FrameError      = "error"

	StatusOK = "ok"
)

// Credentials authenticate one stream connection.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	ClientCode string `json:"clientCode"`
	Token      string `json:"token"`
}

type connectFrame struct {
	Type        string      `json:"type"`
	Credentials Credentials `json:"credentials"`
}

type subscribeFrame struct {
	Type          string   `json:"type"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Tokens        []string `json:"tokens"`
}

// frame is the union of every inbound message shape.
type frame struct {
	Type     string   `json:"type"`
	Status   string   `json:"status,omitempty"`
	Message  string   `json:"message,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Token    string   `json:"token,omitempty"`
	Price    *float64 `json:"price,omitempty"`
	Data     []frame  `json:"data,omitempty"`
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	err := json.Unmarshal(b, &f)
	return f, err
}

func (f frame) isAuthAck() bool {
	return f.Type == FrameAuth || f.Type == FrameError
}

func (f frame) authOK() bool {
	return f.Type == FrameAuth && strings.EqualFold(f.Status, StatusOK)
}

// ticks extracts every price carried by f, regardless of frame type.
// Any message with exchange, token and price counts.
func (f frame) ticks(now time.Time) []model.Tick {
	var out []model.Tick
	if f.Exchange != "" && f.Token != "" && f.Price != nil {
		out = append(out, model.Tick{
			Exchange: model.NormalizeExchange(f.Exchange),
			Token:    f.Token,
			Price:    *f.Price,
			RecvTS:   now,
		})
	}
	for _, d := range f.Data {
		out = append(out, d.ticks(now)...)
	}
	return out
}
