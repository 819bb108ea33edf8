// Command nio-echo is a standalone smoke-test server exercising Server,
// Socket and, optionally, File and TLS: it accepts connections, echoes
// whatever it reads back to the sender, and can additionally log each
// connection's traffic to a file on disk via File.Write.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/nio-ev/nio"
	"github.com/nio-ev/nio/metrics"
)

func main() {
	var (
		addr      string
		certFile  string
		keyFile   string
		logPath   string
		idleAfter time.Duration
		poolSize  int
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:9000", "listen address")
	flag.StringVar(&certFile, "cert", "", "TLS certificate file (enables TLS if set with -key)")
	flag.StringVar(&keyFile, "key", "", "TLS private key file")
	flag.StringVar(&logPath, "log-traffic", "", "path to append a copy of every echoed chunk to, via File")
	flag.DurationVar(&idleAfter, "idle-timeout", 0, "close a connection after this much inactivity (0 disables)")
	flag.IntVar(&poolSize, "pool-size", 0, "file I/O thread pool size (0 picks the default)")
	flag.Parse()

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		log.Fatalf("nio-echo: invalid -addr %q: %v", addr, err)
	}

	loop, err := nio.NewLoop(poolSize)
	if err != nil {
		log.Fatalf("nio-echo: failed to open loop: %v", err)
	}
	counters := &metrics.Counters{}
	loop.Metrics = counters

	var tlsCfg *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.Fatalf("nio-echo: failed to load TLS keypair: %v", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var trafficLog *nio.File
	if logPath != "" {
		trafficLog = nio.NewFile()
		if err := trafficLog.Attach(loop); err != nil {
			log.Fatalf("nio-echo: failed to attach traffic log: %v", err)
		}
		trafficLog.OnError = func(f *nio.File, err error) {
			log.Printf("nio-echo: traffic log error: %v", err)
		}
		if err := trafficLog.OpenPath(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			log.Fatalf("nio-echo: failed to open traffic log: %v", err)
		}
	}

	srv := nio.NewServer(0)
	srv.OnError = func(srv *nio.Server, err error) {
		log.Printf("nio-echo: accept error: %v", err)
	}
	srv.OnConnection = func(srv *nio.Server, peer net.Addr) *nio.Socket {
		sock := nio.NewSocket(idleAfter)
		if tlsCfg != nil {
			if err := sock.EnableTLS(tlsCfg, true); err != nil {
				log.Printf("nio-echo: EnableTLS: %v", err)
				return nil
			}
		}
		sock.OnConnect = func(s *nio.Socket) {
			log.Printf("nio-echo: connection from %s", peer)
			_ = s.ReadStart()
		}
		sock.OnRead = func(s *nio.Socket, data []byte, err error) {
			if err != nil {
				return
			}
			echoed := make([]byte, len(data))
			copy(echoed, data)
			_ = s.Write(&nio.Buffer{Data: echoed})
			if trafficLog != nil {
				copyForLog := make([]byte, len(data))
				copy(copyForLog, data)
				_ = trafficLog.Write(&nio.Buffer{Data: copyForLog})
			}
		}
		sock.OnTimeout = func(s *nio.Socket) {
			log.Printf("nio-echo: %s idle, closing", peer)
			_ = s.Close()
		}
		sock.OnClose = func(s *nio.Socket) {
			log.Printf("nio-echo: %s disconnected", peer)
		}
		return sock
	}

	if err := srv.Listen(tcpAddr); err != nil {
		log.Fatalf("nio-echo: listen: %v", err)
	}
	if err := srv.Attach(loop); err != nil {
		log.Fatalf("nio-echo: attach: %v", err)
	}
	log.Printf("nio-echo: listening on %s", srv.Addr())

	if err := loop.Run(); err != nil {
		log.Fatalf("nio-echo: loop exited with error: %v", err)
	}
}
