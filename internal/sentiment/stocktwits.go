package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	stocktwitsBaseURL = "https://api.stocktwits.com/api/2"
	// stocktwitsTimeout bounds the live fetch so a slow upstream never
	// stalls a sentiment read.
	stocktwitsTimeout = 3 * time.Second
	// stocktwitsMaxMessages caps how many stream messages are counted.
	stocktwitsMaxMessages = 30
)

// StockTwitsClient reads the public symbol stream. All failures are
// absorbed: a bad response simply contributes zero signals.
type StockTwitsClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewStockTwitsClient creates the client.
func NewStockTwitsClient(log zerolog.Logger) *StockTwitsClient {
	return &StockTwitsClient{
		baseURL: stocktwitsBaseURL,
		httpClient: &http.Client{
			Timeout: stocktwitsTimeout,
		},
		log: log.With().Str("component", "stocktwits").Logger(),
	}
}

type stocktwitsStream struct {
	Messages []struct {
		Entities struct {
			Sentiment *struct {
				Basic string `json:"basic"`
			} `json:"sentiment"`
		} `json:"entities"`
	} `json:"messages"`
}

// Fetch counts bullish/bearish tags in the latest stream messages.
func (c *StockTwitsClient) Fetch(ctx context.Context, ticker string) signals {
	ctx, cancel := context.WithTimeout(ctx, stocktwitsTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/streams/symbol/%s.json", c.baseURL, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return signals{}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("ticker", ticker).Msg("StockTwits fetch failed")
		return signals{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug().Int("status", resp.StatusCode).Str("ticker", ticker).Msg("StockTwits non-OK response")
		return signals{}
	}

	var stream stocktwitsStream
	if err := json.NewDecoder(resp.Body).Decode(&stream); err != nil {
		c.log.Debug().Err(err).Str("ticker", ticker).Msg("StockTwits decode failed")
		return signals{}
	}

	var sig signals
	for i, msg := range stream.Messages {
		if i >= stocktwitsMaxMessages {
			break
		}
		if msg.Entities.Sentiment == nil {
			continue
		}
		switch strings.ToLower(msg.Entities.Sentiment.Basic) {
		case "bullish":
			sig.bullish++
			sig.total++
		case "bearish":
			sig.total++
		}
	}
	return sig
}
