package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFrame(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func TestStreamRunOrder(t *testing.T) {
	frames := []string{
		runFrame("thread.run.step.created", `{"step_details":{"type":"tool_calls"}}`),
		runFrame("thread.run.step.delta", `{"delta":{"step_details":{"type":"tool_calls","tool_calls":[{"type":"code_interpreter","code_interpreter":{"input":"print(1)"}}]}}}`),
		runFrame("thread.message.created", `{}`),
		runFrame("thread.message.delta", `{"delta":{"content":[{"type":"text","text":{"value":"done"}}]}}`),
		"data: [DONE]\n\n",
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{}`)
		case strings.Contains(r.URL.Path, "/runs"):
			assert.Equal(t, "test-key", r.Header.Get("api-key"))
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			for _, f := range frames {
				fmt.Fprint(w, f)
				fl.Flush()
			}
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	defer ts.Close()

	a := &Assistant{c: newTestClient(ts.URL), assistantID: "asst-1", threadID: "th-1"}
	events, err := a.StreamRun(context.Background(), "run it", nil, "你是代码解释器")
	require.NoError(t, err)

	var got []RunEvent
	for ev := range events {
		got = append(got, ev)
	}
	// [DONE] 终止流, 事件按到达顺序且不含哨兵
	require.Len(t, got, 4)
	assert.Equal(t, "thread.run.step.created", got[0].Event)
	assert.Equal(t, "thread.run.step.delta", got[1].Event)
	assert.Equal(t, "thread.message.created", got[2].Event)
	assert.Equal(t, "thread.message.delta", got[3].Event)
	for _, ev := range got {
		require.NoError(t, ev.Err)
		assert.NotEmpty(t, ev.Data)
	}
}

func TestStreamRunReadFault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/messages") {
			fmt.Fprint(w, `{}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, runFrame("thread.message.created", `{}`))
		fl.Flush()
		// 超出扫描缓冲上限的行, 读取中途断掉
		fmt.Fprint(w, "data: "+strings.Repeat("x", 1<<20+16)+"\n\n")
	}))
	defer ts.Close()

	a := &Assistant{c: newTestClient(ts.URL), assistantID: "asst-1", threadID: "th-1"}
	events, err := a.StreamRun(context.Background(), "run it", nil, "")
	require.NoError(t, err)

	var got []RunEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.NoError(t, got[0].Err)
	require.Error(t, got[1].Err)
	var tf *TransportFailure
	assert.ErrorAs(t, got[1].Err, &tf)
}

func TestStreamRunRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/messages") {
			fmt.Fprint(w, `{}`)
			return
		}
		http.Error(w, `{"error":{"message":"thread busy"}}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	a := &Assistant{c: newTestClient(ts.URL), assistantID: "asst-1", threadID: "th-1"}
	_, err := a.StreamRun(context.Background(), "run it", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assistant")
}

func TestResetDuringRun(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{}`)
		case strings.Contains(r.URL.Path, "/runs"):
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			fmt.Fprint(w, runFrame("thread.message.created", `{}`))
			fl.Flush()
			<-release
			fmt.Fprint(w, "data: [DONE]\n\n")
		case r.Method == http.MethodDelete:
			fmt.Fprint(w, `{"id":"th-1","deleted":true}`)
		default: // 新线程
			fmt.Fprint(w, `{"id":"th-2"}`)
		}
	}))
	defer ts.Close()

	a := &Assistant{c: newTestClient(ts.URL), assistantID: "asst-1", threadID: "th-1"}
	events, err := a.StreamRun(context.Background(), "run it", nil, "")
	require.NoError(t, err)

	// 运行在途时重建线程, 与流的读取并发
	done := make(chan error, 1)
	go func() {
		done <- a.Reset(context.Background())
	}()
	require.NoError(t, <-done)
	assert.Equal(t, "th-2", a.thread())

	close(release)
	var got []RunEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
}
