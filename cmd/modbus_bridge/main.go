// Command modbus_bridge owns the serial line to the remote I/O module and relays
// Modbus RTU frames posted over HTTP, so rotord can run on another host.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	"github.com/w1xm/rotor_interface/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8503", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "/dev/ttyUSB0", "remote I/O serial port name")
	baud       = flag.Int("baud", 19200, "remote I/O baud rate")
)

// sender transmits one request ADU and returns the response ADU.
type sender interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

type Server struct {
	handler  sender
	password string
}

func NewServer(port string, baud int, password string) *Server {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	return &Server{
		handler:  handler,
		password: password,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/send", s.SendHandler).Methods(http.MethodPost)
	return r
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	if s.password != "" {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != s.password {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := s.handler.Send(aduRequest)
		var errString string
		if err != nil {
			errString = err.Error()
		}
		body, err := json.Marshal(&modbushttp.SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		log.Printf("SendHandler: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func main() {
	flag.Parse()
	server := NewServer(*serialPort, *baud, *password)
	srv := &http.Server{
		Handler:      server.Router(),
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Printf("Listening on %v", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}
