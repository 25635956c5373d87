package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/gargoyle-router/timemond/internal/ctlserver"
	"github.com/gargoyle-router/timemond/internal/log"
	"github.com/gargoyle-router/timemond/internal/protocol"
)

// maxControlFrame bounds one control-channel frame (opcode plus payload),
// guarding readFrame against a corrupt or hostile length prefix.
const maxControlFrame = 1 << 20

// serveControl accepts connections on ln until ctx is canceled, dispatching
// each one to handleConn. The control channel is a Unix-domain stream
// socket; each message is a 4-byte little-endian length prefix followed by
// a 4-byte opcode (protocol.OpGet/OpSet) and that opcode's payload.
func serveControl(ctx context.Context, ln net.Listener, srv *ctlserver.Server) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go handleConn(conn, srv)
	}
}

func handleConn(conn net.Conn, srv *ctlserver.Server) {
	defer conn.Close()
	for {
		msg, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Logger.Warn().Err(err).Msg("timemond: control frame read failed")
			}
			return
		}
		if len(msg) < 4 {
			log.Logger.Warn().Msg("timemond: control message missing opcode")
			return
		}
		opcode := binary.LittleEndian.Uint32(msg[0:4])
		body := msg[4:]

		switch opcode {
		case protocol.OpGet:
			req, err := protocol.DecodeGetRequest(body)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("timemond: malformed GET request")
				return
			}
			resp := srv.HandleGet(req, maxControlFrame)
			if err := writeFrame(conn, resp); err != nil {
				log.Logger.Warn().Err(err).Msg("timemond: control frame write failed")
				return
			}
		case protocol.OpSet:
			srv.HandleSet(body)
		default:
			log.Logger.Warn().Uint32("opcode", opcode).Msg("timemond: unknown control opcode")
			return
		}
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxControlFrame {
		return nil, fmt.Errorf("control frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}
