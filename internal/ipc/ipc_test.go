package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_OneFlushedLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	bridge := NewBridge(&buf, logrus.New())

	bridge.Emit("product_found", map[string]any{"product_number": "A1234"}, nil)
	bridge.Emit("search_complete", map[string]any{"status": "complete"}, map[string]any{"batch": true})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "product_found", first.Type)
	assert.Nil(t, first.Context)

	var second Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "search_complete", second.Type)
	assert.NotNil(t, second.Context)
}

func TestEmit_OmitsEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	bridge := NewBridge(&buf, logrus.New())

	bridge.Emit("parities_updated", map[string]any{"usd_eur": 0.92}, nil)

	assert.NotContains(t, buf.String(), `"context"`)
}

func TestEmit_KeepsUTF8(t *testing.T) {
	var buf bytes.Buffer
	bridge := NewBridge(&buf, logrus.New())

	bridge.Emit("show_notification", map[string]any{"message": "Doğrulama kodu hatalı"}, nil)

	assert.Contains(t, buf.String(), "Doğrulama kodu hatalı")
}

func TestEmit_ConcurrentWritesStayLineDelimited(t *testing.T) {
	var buf bytes.Buffer
	bridge := NewBridge(&buf, logrus.New())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			bridge.Emit("batch_search_progress", map[string]any{"current": n}, nil)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var event Event
		assert.NoError(t, json.Unmarshal([]byte(line), &event))
	}
}

func TestListen_DispatchesAndSkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		`{"action":"search","data":{"term":"aseton"}}`,
		`this is not json`,
		``,
		`{"data":{"term":"no action"}}`,
		`{"action":"get_parities"}`,
	}, "\n")

	bridge := NewBridge(&bytes.Buffer{}, logrus.New())
	var actions []string
	err := bridge.Listen(context.Background(), strings.NewReader(input), func(req Request) bool {
		actions = append(actions, req.Action)
		return true
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"search", "get_parities"}, actions)
}

func TestListen_StopsWhenHandlerReturnsFalse(t *testing.T) {
	input := `{"action":"shutdown"}` + "\n" + `{"action":"search"}` + "\n"

	bridge := NewBridge(&bytes.Buffer{}, logrus.New())
	var actions []string
	err := bridge.Listen(context.Background(), strings.NewReader(input), func(req Request) bool {
		actions = append(actions, req.Action)
		return req.Action != "shutdown"
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"shutdown"}, actions)
}

func TestListen_CarriesRawData(t *testing.T) {
	input := `{"action":"batch_search","data":{"file_path":"/tmp/terms.xlsx","customer_name":"Acme"}}` + "\n"

	bridge := NewBridge(&bytes.Buffer{}, logrus.New())
	err := bridge.Listen(context.Background(), strings.NewReader(input), func(req Request) bool {
		var payload struct {
			FilePath     string `json:"file_path"`
			CustomerName string `json:"customer_name"`
		}
		require.NoError(t, json.Unmarshal(req.Data, &payload))
		assert.Equal(t, "/tmp/terms.xlsx", payload.FilePath)
		assert.Equal(t, "Acme", payload.CustomerName)
		return true
	})
	require.NoError(t, err)
}
