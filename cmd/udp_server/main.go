package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tofengine-go/binlog"
	"tofengine-go/config"
	"tofengine-go/fusion"
	"tofengine-go/rbc"
	"tofengine-go/server"
	"tofengine-go/store"
	"tofengine-go/telemetry"
	"tofengine-go/web"
)

// targetList collects repeated -rbc-udp / -rbc-tcp flags as addr[/mask].
type targetList []string

func (t *targetList) String() string     { return strings.Join(*t, ",") }
func (t *targetList) Set(v string) error { *t = append(*t, v); return nil }

func parseTarget(v string) (string, uint32, error) {
	addr, maskStr, found := strings.Cut(v, "/")
	if !found {
		return addr, rbc.FlagAll, nil
	}
	var mask uint32
	if _, err := fmt.Sscanf(maskStr, "%x", &mask); err != nil {
		return "", 0, fmt.Errorf("bad mask in %q: %w", v, err)
	}
	return addr, mask, nil
}

func main() {
	port := flag.Int("port", server.DefaultPort, "UDP port to listen on")
	httpAddr := flag.String("http", "", "HTTP/WebSocket listen address (e.g. :8080). Empty to disable.")
	staticDir := flag.String("static", "", "Directory with the web frontend (optional)")
	tuningPath := flag.String("config", "", "Path to tuning JSON (optional)")
	pcapPath := flag.String("pcap", "", "Path to output PCAP file or directory (optional)")
	dbPath := flag.String("db", "", "Path to SQLite run database (optional)")
	notes := flag.String("notes", "", "Notes stored with the run")
	serialPath := flag.String("serial", "", "Serial port of a UART bridge (optional)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	parity := flag.String("parity", "N", "Serial parity: N, E or O")
	rbcHeader := flag.String("rbc-header", "", "Prefix prepended to every RBC line")
	var udpTargets, tcpTargets targetList
	flag.Var(&udpTargets, "rbc-udp", "RBC UDP target host:port[/hexmask] (repeatable)")
	flag.Var(&tcpTargets, "rbc-tcp", "RBC TCP target host:port[/hexmask] (repeatable)")
	flag.Parse()

	tuning, err := config.Load(*tuningPath)
	if err != nil {
		log.Fatalf("Failed to load tuning: %v", err)
	}
	pipeline := fusion.NewPipeline(tuning.PipelineConfig())

	reg := telemetry.NewRegistry()
	if err := pipeline.RegisterTelemetry(reg); err != nil {
		log.Fatalf("Failed to register telemetry: %v", err)
	}

	udpSvr, err := server.NewUdpServer(*port, pipeline)
	if err != nil {
		log.Fatalf("Failed to create UDP server: %v", err)
	}

	var webSvr *web.Server
	if *httpAddr != "" {
		webSvr = web.NewServer(reg, pipeline)
		if *staticDir != "" {
			webSvr.SetStaticDir(*staticDir)
		}
		udpSvr.SetWebHub(webSvr.Hub)
	}

	if *dbPath != "" {
		db, err := store.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer db.Close()
		run, err := db.StartRun(*notes)
		if err != nil {
			log.Fatalf("Failed to start run: %v", err)
		}
		udpSvr.SetRecorder(db, run.ID)
		if webSvr != nil {
			webSvr.SetRunStore(db)
		}
		log.Printf("Recording run %s to %s", run.ID, *dbPath)
	}

	if webSvr != nil {
		go func() {
			if err := webSvr.Start(*httpAddr); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	if len(udpTargets)+len(tcpTargets) > 0 {
		sender := rbc.NewSender()
		sender.SetHeader(*rbcHeader)
		for _, v := range udpTargets {
			addr, mask, err := parseTarget(v)
			if err != nil {
				log.Fatal(err)
			}
			if err := sender.AddUDPSender(addr, mask); err != nil {
				log.Fatalf("Failed to add RBC UDP target %s: %v", addr, err)
			}
			log.Printf("Added RBC UDP Sender: %s (mask %x)", addr, mask)
		}
		for _, v := range tcpTargets {
			addr, mask, err := parseTarget(v)
			if err != nil {
				log.Fatal(err)
			}
			sender.AddTCPSender(addr, mask)
			log.Printf("Added RBC TCP Sender: %s (mask %x)", addr, mask)
		}
		if err := sender.Start(); err != nil {
			log.Fatalf("Failed to start RBC sender: %v", err)
		}
		udpSvr.SetRbcSender(sender)
		defer sender.Stop()
	}

	if *pcapPath != "" {
		// Auto-generate name if directory
		path := *pcapPath
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = filepath.Join(path, fmt.Sprintf("PKTSBIN_%s.pcap", time.Now().Format("20060102150405")))
		}
		pw, err := binlog.NewWriter(path)
		if err != nil {
			log.Fatalf("Failed to create pcap writer: %v", err)
		}
		defer pw.Close()
		udpSvr.SetPcapWriter(pw)
		log.Printf("Logging packets to %s", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *serialPath != "" {
		src, err := server.OpenSerial(*serialPath, server.PortOptions{BaudRate: *baud, Parity: *parity}, udpSvr.Processor)
		if err != nil {
			log.Fatalf("Failed to open serial port: %v", err)
		}
		go func() {
			if err := src.Run(ctx); err != nil {
				log.Printf("Serial source stopped: %v", err)
			}
		}()
		log.Printf("Reading frames from %s", *serialPath)
	}

	go udpSvr.Start()

	<-ctx.Done()
	log.Println("Shutting down...")
	udpSvr.Stop()
	if webSvr != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := webSvr.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}
	log.Printf("Stats: %+v", udpSvr.Stats())
}
