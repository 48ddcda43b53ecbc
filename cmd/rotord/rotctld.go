package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			log.Printf("accepted connection from %v", conn.RemoteAddr())
			go func() {
				defer conn.Close()
				s.handleRotctld(conn, conn.RemoteAddr().String())
			}()
		}
	}()
	return nil
}

// handleRotctld answers Hamlib rotctld commands from conn until it is closed. Only
// azimuth is served; elevation arguments are accepted and ignored.
func (s *Server) handleRotctld(conn io.ReadWriter, peer string) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", peer, cmd, args)
		rprt := -1
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: rotord
Mfg name: W1XM
Rot type: Az
Min Azimuth: -180.00
Max Azimuth: 180.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: N
`)
			rprt = 0
		case "S", "stop":
			extended = true // always print RPRT
			s.mu.Lock()
			s.r.Stop()
			s.mu.Unlock()
			rprt = 0
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = -22
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = -22
				break
			}
			if _, err := strconv.ParseFloat(args[1], 64); err != nil {
				rprt = -22
				break
			}
			s.mu.Lock()
			s.r.SetAzimuthPosition(az)
			s.mu.Unlock()
			rprt = 0
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = -22
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				rprt = -22
				break
			}
			// Only the direction is used; the rotor runs at its configured speed.
			if _, err := strconv.Atoi(args[1]); err != nil {
				rprt = -22
				break
			}
			var velocity float64
			switch dir {
			case 8: // Left
				velocity = -1
			case 16: // Right
				velocity = 1
			default:
				rprt = -22
			}
			if velocity == 0 {
				break
			}
			s.mu.Lock()
			s.r.SetAzimuthVelocity(velocity)
			s.mu.Unlock()
			rprt = 0
		case "p", "get_pos":
			s.statusMu.RLock()
			status := s.status
			s.statusMu.RUnlock()
			az := status.AzimuthPosition()
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, 0.0)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, 0.0)
			}
			rprt = 0
		}
		if extended || rprt != 0 {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", peer, err)
	}
}
