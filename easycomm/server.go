// Package easycomm serves the EasyComm II rotator protocol, so Hamlib and SatNOGS
// style clients can drive the rotor over a serial line.
//
// Protocol docs at https://github.com/Hamlib/Hamlib/blob/master/rotators/easycomm/easycomm.txt
package easycomm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"github.com/w1xm/rotor_interface/rotator"
)

// VelocityStatus is implemented by statuses that know the azimuth rate.
type VelocityStatus interface {
	AzimuthVelocity() float64
}

// LimitStatus is implemented by statuses that carry a twist limit alert. sign is +1
// past the clockwise limit and -1 past the counterclockwise one.
type LimitStatus interface {
	TwistLimit() (exceeded bool, sign int)
}

// StatusFunc returns the current rotator status, or false if none is available.
type StatusFunc func() (rotator.Status, bool)

// Status register bits, one byte per axis.
const (
	statusIdle     = 1
	statusMoving   = 2
	statusPointing = 4
)

// Error register bits.
const (
	errorNone   = 1
	errorSensor = 2
	errorHoming = 4
)

// report is the reply to each query, keyed by its command.
type report struct {
	AzPos float64 `report:"AZ"`
	// Single axis; elevation always reads zero.
	ElPos float64 `report:"EL"`

	// IP1 returns the azimuth limit switches.
	AzimuthLimits string `report:"IP1,"`
	// IP7 returns azimuth speed
	AzVel float64 `report:"IP7,"`

	CommandAzPos float64 `report:"CR10,"`

	StatusRegister uint64 `report:"GS"`
	ErrorRegister  uint64 `report:"GE"`

	Version string `report:"VE"`
}

type Server struct {
	rotator rotator.Rotator
	status  StatusFunc
	version string

	w io.Writer
}

func NewServer(r rotator.Rotator, status StatusFunc, version string) *Server {
	return &Server{rotator: r, status: status, version: version}
}

// ListenSerial serves the serial port at port, reopening it every second while it
// is unavailable, until ctx is done.
func (s *Server) ListenSerial(ctx context.Context, port string, baud int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1 * time.Second):
		}
		p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		log.Printf("opened %q", port)
		if err := s.Serve(ctx, p); err != nil {
			log.Printf("serving %q: %v", port, err)
		}
	}
}

// Serve answers commands read from conn until it hits EOF or ctx is done. conn is
// closed on return.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	s.w = conn
	scanner := bufio.NewScanner(conn)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		input := scanner.Text()
		if err := s.parseInput(input); err != nil {
			log.Printf("parsing %q: %v", input, err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	return nil
}

var cmdRE = regexp.MustCompile(`^([\?A-Z]+)(.*)$`)

func (s *Server) parseInput(input string) error {
	parts := cmdRE.FindStringSubmatch(input)
	if parts == nil {
		return fmt.Errorf("unrecognized command %q", input)
	}
	cmd, parts := parts[1], strings.Split(parts[2], ",")
	if len(parts) == 1 && parts[0] == "" {
		parts = nil
	}
	switch cmd {
	case "SA":
		s.rotator.Stop()
		return nil
	case "SE":
		return nil
	case "AZ":
		if len(parts) > 0 {
			var angle float64
			if err := parseFloat(&angle, parts[0]); err != nil {
				return err
			}
			s.rotator.SetAzimuthPosition(angle)
			return nil
		}
	case "EL":
		if len(parts) > 0 {
			log.Printf("ignoring elevation command %q", input)
			return nil
		}
	case "ML", "MR":
		v := 1.0
		if cmd[1] == 'L' {
			v = -v
		}
		s.rotator.SetAzimuthVelocity(v)
		return nil
	case "VL", "VR":
		if len(parts) > 0 {
			var v float64
			if err := parseFloat(&v, parts[0]); err != nil {
				return err
			}
			// Velocity commands are in mdeg/s
			v /= 1000
			if cmd[1] == 'L' {
				v = -v
			}
			s.rotator.SetAzimuthVelocity(v)
		} else {
			r := s.report()
			dir := "R"
			if r.AzVel < 0 {
				dir = "L"
			}
			return s.send("V%s%3.2f", dir, math.Abs(r.AzVel)*1000)
		}
		return nil
	case "IP", "CR":
		if len(parts) == 1 {
			return s.sendStatus(cmd + parts[0] + ",")
		}
	}
	if len(parts) == 0 {
		return s.sendStatus(cmd)
	}
	return fmt.Errorf("unknown command %q %+v", cmd, parts)
}

func (s *Server) report() report {
	r := report{
		StatusRegister: statusIdle << 8,
		ErrorRegister:  errorNone,
		AzimuthLimits:  "0,0",
		Version:        s.version,
	}
	st, ok := s.status()
	if !ok {
		r.ErrorRegister = errorSensor
		return r
	}
	r.AzPos = math.Mod(st.AzimuthPosition()+360, 360)
	mode, target := st.AzimuthCommand()
	switch mode {
	case "POSITION":
		r.StatusRegister |= statusMoving | statusPointing
		r.CommandAzPos = math.Mod(target+360, 360)
	case "VELOCITY":
		r.StatusRegister |= statusMoving
	default:
		r.StatusRegister |= statusIdle
	}
	if v, ok := st.(VelocityStatus); ok {
		r.AzVel = v.AzimuthVelocity()
	}
	if l, ok := st.(LimitStatus); ok {
		if exceeded, sign := l.TwistLimit(); exceeded {
			r.ErrorRegister = errorHoming
			r.AzimuthLimits = "1,0"
			if sign > 0 {
				r.AzimuthLimits = "0,1"
			}
		}
	}
	return r
}

func (s *Server) sendStatus(cmd string) error {
	v := reflect.ValueOf(s.report())
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		tag := field.Tag.Get("report")
		if tag != cmd {
			continue
		}
		fv := v.Field(i)
		value := fv.Interface()
		switch fv.Kind() {
		case reflect.Float32, reflect.Float64:
			return s.send("%s%3.2f", tag, value)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return s.send("%s%d", tag, value)
		case reflect.String:
			return s.send("%s%s", tag, value)
		default:
			return fmt.Errorf("don't know how to send %s: %q (value %+v)", field.Name, tag, value)
		}
	}
	return fmt.Errorf("unknown query %q", cmd)
}

func (s *Server) send(cmd string, fields ...interface{}) error {
	if len(fields) > 0 {
		cmd = fmt.Sprintf(cmd, fields...)
	}
	_, err := fmt.Fprintf(s.w, "%s\n", cmd)
	return err
}

func parseFloat(dest *float64, input string) error {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return err
	}
	*dest = f
	return nil
}
