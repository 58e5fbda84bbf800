package currency

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ECBDailyURL publishes euro reference rates once per working day.
const ECBDailyURL = "https://www.ecb.europa.eu/stats/eurofxref/eurofxref-daily.xml"

// rubPerEUR is a static rate; the ECB stopped publishing RUB.
const rubPerEUR = 102.57

var ErrNoRates = errors.New("no exchange rates")

type ecbEnvelope struct {
	Subject string    `xml:"subject"`
	Cubes   []ecbCube `xml:"Cube>Cube>Cube"`
}

type ecbCube struct {
	Currency string `xml:"currency,attr"`
	Rate     string `xml:"rate,attr"`
}

// Rates converts amounts to USD. Values are stored as USD per one unit of the
// currency, so conversion is a single multiplication.
type Rates struct {
	mu     sync.RWMutex
	usd    map[string]float64
	logger *slog.Logger
}

// NewRates returns a table that only knows USD.
func NewRates(logger *slog.Logger) *Rates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rates{usd: map[string]float64{"USD": 1}, logger: logger}
}

// ParseECB reads the ECB daily XML and rebases every rate on USD.
func ParseECB(body []byte) (map[string]float64, error) {
	var env ecbEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode ecb xml: %w", err)
	}

	perEUR := map[string]float64{"EUR": 1, "RUB": rubPerEUR}
	for _, c := range env.Cubes {
		if c.Currency == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(c.Rate), 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("bad rate for %s: %q", c.Currency, c.Rate)
		}
		perEUR[strings.ToUpper(c.Currency)] = v
	}

	usdPerEUR, ok := perEUR["USD"]
	if !ok {
		return nil, fmt.Errorf("ecb xml: %w", ErrNoRates)
	}

	// (EUR->USD) / (EUR->XYZ) == (XYZ->USD)
	out := make(map[string]float64, len(perEUR))
	for code, v := range perEUR {
		out[code] = usdPerEUR / v
	}
	out["USD"] = 1
	return out, nil
}

// Load fetches the ECB rates and writes them to backupPath. When the fetch
// fails the previous backup is used instead.
func (r *Rates) Load(ctx context.Context, client *http.Client, url, backupPath string) error {
	if url == "" {
		url = ECBDailyURL
	}
	body, err := fetch(ctx, client, url)
	if err == nil {
		var rates map[string]float64
		if rates, err = ParseECB(body); err == nil {
			r.merge(rates)
			if backupPath != "" {
				if werr := os.WriteFile(backupPath, body, 0o644); werr != nil {
					r.logger.Warn("write exchange backup", slog.String("path", backupPath), slog.Any("err", werr))
				}
			}
			r.logger.Info("loaded exchange rates", slog.Int("currencies", len(rates)))
			return nil
		}
	}
	r.logger.Error("failed to fetch exchange rates, using backup", slog.Any("err", err))

	if backupPath == "" {
		return fmt.Errorf("fetch rates: %w", err)
	}
	body, rerr := os.ReadFile(backupPath)
	if rerr != nil {
		return fmt.Errorf("read exchange backup: %w", rerr)
	}
	rates, perr := ParseECB(body)
	if perr != nil {
		return fmt.Errorf("parse exchange backup: %w", perr)
	}
	r.merge(rates)
	return nil
}

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read rates: %w", err)
	}
	if !bytes.Contains(body, []byte("Reference rates")) {
		return nil, errors.New("response is not an ecb reference rate document")
	}
	return body, nil
}

// SetToken sets the USD value of one unit of a platform token such as KICKS.
func (r *Rates) SetToken(code string, usdPerUnit float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usd[strings.ToUpper(code)] = usdPerUnit
}

// ToUSD converts amount to USD. Unknown codes convert to 0.
func (r *Rates) ToUSD(code string, amount float64) float64 {
	if code == "USD" {
		return amount
	}
	r.mu.RLock()
	rate, ok := r.usd[strings.ToUpper(code)]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("no exchange rate", slog.String("currency", code))
		return 0
	}
	return amount * rate
}

func (r *Rates) merge(rates map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code, v := range rates {
		r.usd[code] = v
	}
}
