package message

import (
	"fmt"
	"time"
)

const (
	testConversationID = "conv-1"
	testWaitTimeout    = 2 * time.Second
)

var testSender = Sender{ID: "user-1", Type: "customer", Name: "Ada", Avatar: "https://example.com/a.png"}

func testServerID(n int) string {
	return fmt.Sprintf("srv-%d", n)
}
