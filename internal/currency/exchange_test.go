package currency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleECB = `<?xml version="1.0" encoding="UTF-8"?>
<gesmes:Envelope xmlns:gesmes="http://www.gesmes.org/xml/2002-08-01" xmlns="http://www.ecb.int/vocabulary/2002-08-01/eurofxref">
	<gesmes:subject>Reference rates</gesmes:subject>
	<gesmes:Sender><gesmes:name>European Central Bank</gesmes:name></gesmes:Sender>
	<Cube>
		<Cube time="2025-01-28">
			<Cube currency="USD" rate="1.1"/>
			<Cube currency="GBP" rate="0.88"/>
			<Cube currency="JPY" rate="165"/>
		</Cube>
	</Cube>
</gesmes:Envelope>`

func TestParseECB(t *testing.T) {
	rates, err := ParseECB([]byte(sampleECB))
	require.NoError(t, err)

	assert.Equal(t, 1.0, rates["USD"])
	assert.InDelta(t, 1.1, rates["EUR"], 1e-9)
	assert.InDelta(t, 1.25, rates["GBP"], 1e-9)
	assert.InDelta(t, 1.1/165, rates["JPY"], 1e-12)
	assert.InDelta(t, 1.1/rubPerEUR, rates["RUB"], 1e-12)
}

func TestParseECBWithoutUSD(t *testing.T) {
	_, err := ParseECB([]byte(`<Envelope><Cube><Cube><Cube currency="GBP" rate="0.88"/></Cube></Cube></Envelope>`))
	assert.ErrorIs(t, err, ErrNoRates)
}

func TestRatesLoadFallsBackToBackup(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleECB))
	}))
	defer srv.Close()

	backup := filepath.Join(t.TempDir(), "exchange_rates.xml")

	rates := NewRates(nil)
	require.NoError(t, rates.Load(context.Background(), srv.Client(), srv.URL, backup))
	saved, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, sampleECB, string(saved))

	fail.Store(true)
	fresh := NewRates(nil)
	require.NoError(t, fresh.Load(context.Background(), srv.Client(), srv.URL, backup))
	assert.InDelta(t, 12.5, fresh.ToUSD("GBP", 10), 1e-9)

	empty := NewRates(nil)
	assert.Error(t, empty.Load(context.Background(), srv.Client(), srv.URL, filepath.Join(t.TempDir(), "missing.xml")))
}

func TestToUSD(t *testing.T) {
	rates := NewRates(nil)
	rates.SetToken("kicks", 0.01)

	assert.Equal(t, 7.5, rates.ToUSD("USD", 7.5))
	assert.InDelta(t, 1.0, rates.ToUSD("KICKS", 100), 1e-9)
	assert.Equal(t, 0.0, rates.ToUSD("ZZZ", 10))
}
