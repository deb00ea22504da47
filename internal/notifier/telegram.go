package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{Token: token, ChatID: chatID, Retries: retries, Delay: delay}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)

	var lastErr error
	for i := 0; i < t.Retries; i++ {
		if i > 0 {
			time.Sleep(t.Delay)
		}
		resp, err := http.PostForm(apiURL, url.Values{
			"chat_id": {t.ChatID},
			"text":    {message},
		})
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			lastErr = fmt.Errorf("telegram send failed: %s", resp.Status)
			continue
		}
		return nil
	}
	return lastErr
}
