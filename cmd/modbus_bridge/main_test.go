package main

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/rotor_interface/internal/modbus/modbushttp"
)

type echo struct {
	requests [][]byte
	err      error
}

func (e *echo) Send(aduRequest []byte) ([]byte, error) {
	e.requests = append(e.requests, aduRequest)
	if e.err != nil {
		return nil, e.err
	}
	return append([]byte{0xff}, aduRequest...), nil
}

func TestRelay(t *testing.T) {
	for _, test := range []struct {
		name           string
		serverPassword string
		clientPassword string
		err            error
		want           []byte
		wantErr        bool
	}{
		{name: "open", want: []byte{0xff, 1, 3, 0, 0}},
		{name: "password", serverPassword: "hunter2", clientPassword: "hunter2", want: []byte{0xff, 1, 3, 0, 0}},
		{name: "wrong password", serverPassword: "hunter2", clientPassword: "guess", wantErr: true},
		{name: "no password", serverPassword: "hunter2", wantErr: true},
		{name: "line error", err: errors.New("serial: timeout"), wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := &echo{err: test.err}
			s := &Server{handler: e, password: test.serverPassword}
			ts := httptest.NewServer(s.Router())
			defer ts.Close()

			c := modbushttp.NewClient(ts.URL+"/api/send", test.clientPassword, 1)
			got, err := c.Send([]byte{1, 3, 0, 0})
			if (err != nil) != test.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, test.wantErr)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected response: got(-)/want(+):\n%s", diff)
			}
		})
	}
}
