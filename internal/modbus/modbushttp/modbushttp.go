// Package modbushttp tunnels Modbus RTU frames over HTTP, for a bridge process that owns
// the serial line.
package modbushttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
)

// SendResponse is the body returned by the bridge for every frame.
type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// Client is a modbus.ClientHandler that posts each request ADU to a bridge. It reuses
// the RTU packager for framing.
type Client struct {
	*modbus.RTUClientHandler

	baseURL  string
	password string
	http     *http.Client
}

func NewClient(baseURL, password string, slaveID byte) *Client {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = slaveID
	return &Client{
		RTUClientHandler: handler,
		baseURL:          baseURL,
		password:         password,
		http:             &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Send(aduRequest []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.SetBasicAuth("rotor", c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *Client) Connect() error {
	return nil
}

func (c *Client) Close() error {
	return nil
}
