// Package modbus keeps a Modbus connection open and runs a poll function against it.
package modbus

import (
	"context"
	"log"
	"time"

	"github.com/goburrow/modbus"
	"github.com/w1xm/rotor_interface/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection through a modbus_bridge
	URL      string
	Password string

	// PollInterval is the minimum time between Poll calls.
	PollInterval time.Duration
	// Poll is called in a loop while the connection is active. Returning an error
	// drops and reopens the connection.
	Poll func(modbus.Client) error

	handler modbusHandler
	client  modbus.Client
}

// Run keeps the connection open until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.URL != "" {
		c.handler = modbushttp.NewClient(c.URL, c.Password, c.SlaveId)
	} else {
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = c.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 19200
		}
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	c.client = modbus.NewClient(c.handler)
	c.reconnectLoop(ctx)
	return ctx.Err()
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		if err := c.handler.Connect(); err != nil {
			log.Printf("opening %q: %v", c.name(), err)
		} else if err := c.watch(ctx); err != nil && ctx.Err() == nil {
			log.Printf("polling %q: %v", c.name(), err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	for {
		start := time.Now()
		if err := c.Poll(c.client); err != nil {
			return err
		}
		wait := c.PollInterval - time.Since(start)
		if wait <= 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// WriteCoil writes a single coil with the protocol's on/off encoding.
func WriteCoil(c modbus.Client, coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
