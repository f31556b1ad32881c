package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/book"
	"marketfeed/fanout"
	"marketfeed/logger"
	"marketfeed/reduce"
)

func TestServerSubscribeAckAndL2Publish(t *testing.T) {
	books := book.NewBooks()
	fan := fanout.New(books, logger.GetLogger())

	srv := New("127.0.0.1:0", fan, logger.GetLogger(), 0)
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	sub := `{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ackRaw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected ack frame: %v", err)
	}
	var ack struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(ackRaw, &ack); err != nil || ack.Channel != "subscriptionResponse" {
		t.Fatalf("unexpected ack frame: %s", ackRaw)
	}

	// The book needs a moment to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	fan.Publish(reduce.Result{L2: []reduce.L2Snapshot{
		{Coin: "ETH", Block: 1, Bids: []book.Level{{Px: book.MustPx("10"), Sz: book.MustSz("1"), Count: 1}}},
	}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, dataRaw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected l2Book data frame: %v", err)
	}
	var frame struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(dataRaw, &frame); err != nil || frame.Channel != "l2Book" {
		t.Fatalf("unexpected data frame: %s", dataRaw)
	}
}
