package espeasy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const statusBody = `{
 "System":{"Build":20116,"Unit Number":3,"Unit Name":"garage","Uptime":42,"Boot":7},
 "WiFi":{"Hostname":"garage","IP Address":"10.0.0.3","STA MAC":"AA:BB:CC:DD:EE:FF","RSSI":-61,"Connected msec":1200},
 "Sensors":[{"TaskNumber":1,"TaskName":"temp","Type":"Environment - DS18b20","TaskEnabled":"true",
   "TaskValues":[{"ValueNumber":1,"Name":"Temperature","NrDecimals":2,"Value":21.5}],
   "DataAcquisition":[{"Controller":1,"IDX":12,"Enabled":"true"}]}],
 "TTL":30000
}`

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json", r.URL.Path)
		_, _ = w.Write([]byte(statusBody))
	}))
	defer srv.Close()
	host, port := hostPort(t, srv)

	c := New(time.Second, zaptest.NewLogger(t))
	status, err := c.FetchStatus(context.Background(), host, port)
	require.NoError(t, err)

	assert.Equal(t, "garage", status.System.UnitName)
	assert.Equal(t, 42.0, status.System.Uptime.Float64())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", status.WiFi.STAMAC)
	assert.Equal(t, 1200.0, status.WiFi.ConnectedMsec.Float64())
	require.Len(t, status.Sensors, 1)
	assert.True(t, bool(status.Sensors[0].TaskEnabled))
	assert.Equal(t, "1", status.Sensors[0].DataAcquisition[0].Controller.String())
	assert.Equal(t, 30000.0, status.TTL.Float64())
}

func TestFetchStatus_Errors(t *testing.T) {
	tests := map[string]struct {
		handler http.HandlerFunc
		reason  model.Reason
	}{
		"not json": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>hi</html>"))
			},
			reason: model.ReasonInvalidResponse,
		},
		"missing uptime": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"System":{"Unit Name":"x"},"WiFi":{}}`))
			},
			reason: model.ReasonInvalidResponse,
		},
		"server error": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			reason: model.ReasonInvalidResponse,
		},
		"timeout": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			reason: model.ReasonTimeout,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			host, port := hostPort(t, srv)

			c := New(100*time.Millisecond, zaptest.NewLogger(t))
			status, err := c.FetchStatus(context.Background(), host, port)
			assert.Nil(t, status)
			require.Error(t, err)
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestFetchStatus_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	c := New(time.Second, zaptest.NewLogger(t))
	_, err = c.FetchStatus(context.Background(), "127.0.0.1", addr.Port)
	require.Error(t, err)
	assert.Equal(t, model.ReasonUnreachable, ReasonOf(err))
}

func TestDecodeCommandReply(t *testing.T) {
	tests := map[string]struct {
		body    string
		want    map[string]any
		wantErr error
	}{
		"json with trailing log": {
			body: "{\"log\":\"\",\"plugin\":1,\"pin\":12,\"mode\":\"output\",\"state\":1}\nGPIO 12 set to 1",
			want: map[string]any{"log": "", "plugin": 1.0, "pin": 12.0, "mode": "output", "state": 1.0},
		},
		"uninitialised pin": {
			body: "?",
		},
		"ok": {
			body: "Ok\n",
		},
		"unknown command": {
			body:    "Unknown or restricted command!",
			wantErr: &model.ConfigurationError{Msg: "Unknown or restricted command!"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeCommandReply([]byte(tt.body))
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendCommand(t *testing.T) {
	var gotCmd string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCmd = r.URL.Query().Get("cmd")
		_, _ = w.Write([]byte("Ok"))
	}))
	defer srv.Close()
	host, port := hostPort(t, srv)

	c := New(time.Second, zaptest.NewLogger(t))
	reply, err := c.SendCommand(context.Background(), host, port, "gpio", "12", "1")
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, "gpio,12,1", gotCmd)
}

func TestClassify(t *testing.T) {
	cerr := &model.ConnectivityError{}
	assert.True(t, errors.As(Classify(context.DeadlineExceeded), &cerr))
	assert.Equal(t, model.ReasonTimeout, cerr.Reason)

	assert.Equal(t, model.ReasonUnknown, ReasonOf(Classify(errors.New("boom"))))
	assert.Nil(t, Classify(nil))
}
