package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/rotor_interface/rotator"
	"github.com/w1xm/rotor_interface/rotor"
)

// Rotor is the command surface the front ends drive.
type Rotor interface {
	rotator.Rotator
	rotator.Calibrator
	rotator.Inverter
	rotator.SpeedSetter
	ManualMove(speed int)
	ResetLearning()
}

type Server struct {
	mu sync.Mutex
	r  Rotor

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     rotor.Status
}

func NewServer() *Server {
	s := &Server{}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) Router(staticDir string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/setangle", s.SetAngleHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/manual", s.ManualHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/calibrate", s.commandHandler("calibrated", func() { s.r.Calibrate() })).Methods(http.MethodPost)
	r.HandleFunc("/api/stop", s.commandHandler("stopped", func() { s.r.Stop() })).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.StatusSocketHandler)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) SetAngleHandler(w http.ResponseWriter, r *http.Request) {
	angle, err := strconv.ParseFloat(r.PostFormValue("angle"), 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing angle"})
		return
	}
	s.mu.Lock()
	s.r.SetAzimuthPosition(angle)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ManualHandler(w http.ResponseWriter, r *http.Request) {
	speed, err := strconv.Atoi(r.PostFormValue("speed"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing speed"})
		return
	}
	s.mu.Lock()
	s.r.ManualMove(speed)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) commandHandler(result string, f func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		f()
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": result})
	}
}

// LearningReply answers a getLearning command.
type LearningReply struct {
	Cycles        int     `json:"learningCycles"`
	InertiaFactor float64 `json:"inertiaFactor"`
	BrakingDist   float64 `json:"brakingDist"`
}

// apply runs every command present in msg, in a fixed order. A message may carry
// several commands.
func (s *Server) apply(msg map[string]json.RawMessage) (reply interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decode := func(key string, v interface{}) bool {
		raw, ok := msg[key]
		if !ok || err != nil {
			return false
		}
		if v == nil {
			return true
		}
		if uerr := json.Unmarshal(raw, v); uerr != nil {
			err = fmt.Errorf("%s: %w", key, uerr)
			return false
		}
		return true
	}

	var angle float64
	if decode("angle", &angle) {
		s.r.SetAzimuthPosition(angle)
	}
	var manual int
	if decode("manual", &manual) {
		s.r.ManualMove(manual)
	}
	if decode("stop", nil) {
		s.r.Stop()
	}
	if decode("calibrate", nil) {
		s.r.Calibrate()
	}
	if decode("forceRecovery", nil) {
		s.r.ForceRecovery()
	}
	var invert bool
	if decode("invertMotor", &invert) {
		s.r.SetInvert(rotator.AxisMotor, invert)
	}
	if decode("invertEncoder", &invert) {
		s.r.SetInvert(rotator.AxisEncoder, invert)
	}
	var speed int
	if decode("speed", &speed) {
		s.r.SetSpeedPercent(speed)
	}
	if decode("resetLearning", nil) {
		s.r.ResetLearning()
	}
	if decode("getLearning", nil) {
		s.statusMu.RLock()
		l := s.status.Learning
		s.statusMu.RUnlock()
		reply = LearningReply{
			Cycles:        l.Cycles,
			InertiaFactor: l.InertiaFactor,
			BrakingDist:   l.BrakingDistFactor,
		}
	}
	return reply, err
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			log.Print(err)
			cancel()
		}
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg map[string]json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			reply, err := s.apply(msg)
			if err != nil {
				log.Printf("websocket command %v: %v", msg, err)
				continue
			}
			if reply != nil {
				send(reply)
			}
		}
	}()

	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	send(status)

	for ctx.Err() == nil {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		send(status)
	}
}

func (s *Server) statusCallback(status rotator.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status.(rotor.Status)
	s.statusCond.Broadcast()
}
