// analyzer.go
package main

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/handlers"

	"tftpanalyzer/tftp"
)

// ---------------------
// Command-Line Arguments
// ---------------------

// Arguments holds the command-line arguments for the analyzer.
type Arguments struct {
	Host           string // TFTP server host
	Port           int    // TFTP server port
	TestCase       string // quick, full, performance or single
	File           string // remote file for -test single
	WindowSize     int    // window size for -test single
	BlockSize      int    // requested block size
	TimeoutSeconds int    // receive timeout in seconds
	MaxRetries     int    // timeout retries per window
	OutputDir      string // directory for downloaded test files
	MD5            string // expected digest for -test single
	Connection     string // "udp" or "serial"
	SerialPort     string // serial port (e.g. /dev/ttyUSB0)
	Baud           int    // baud rate for serial
	WatchDirectory string // directory to monitor for test plan files
	WatchExisting  bool   // queue plans already present in the directory
	HTTPPort       int    // serve results as JSON on this port (0 disables)
	HTTPLogFile    string // HTTP access log file
	Debug          bool   // enable debug output
}

func parseArguments() *Arguments {
	args := &Arguments{}
	flag.StringVar(&args.Host, "host", "127.0.0.1", "TFTP server host")
	flag.IntVar(&args.Port, "port", 6970, "TFTP server port")
	flag.StringVar(&args.TestCase, "test", "quick", "Test case: quick, full, performance or single")
	flag.StringVar(&args.File, "file", "", "Remote file for -test single")
	flag.IntVar(&args.WindowSize, "windowsize", 16, "Window size for -test single (0 disables the option)")
	flag.IntVar(&args.BlockSize, "blksize", tftp.DefaultBlockSize, "Block size to request")
	flag.IntVar(&args.TimeoutSeconds, "timeout-seconds", 5, "Receive timeout in seconds")
	flag.IntVar(&args.MaxRetries, "timeout-retries", 3, "Timeout retries per window before giving up")
	flag.StringVar(&args.OutputDir, "output-dir", os.TempDir(), "Directory for downloaded test files")
	flag.StringVar(&args.MD5, "md5", "", "Expected MD5 digest for -test single")
	flag.StringVar(&args.Connection, "connection", "udp", "Connection type: udp or serial")
	flag.StringVar(&args.SerialPort, "serial-port", "", "Serial port (e.g. COM3 or /dev/ttyUSB0)")
	flag.IntVar(&args.Baud, "baud", 115200, "Baud rate for serial")
	flag.StringVar(&args.WatchDirectory, "watch-directory", "", "Directory to monitor for test plan files")
	flag.BoolVar(&args.WatchExisting, "watch-existing", false, "Queue test plans already present in the watch directory")
	flag.IntVar(&args.HTTPPort, "http-port", 0, "Serve accumulated results as JSON on this port (0 disables)")
	flag.StringVar(&args.HTTPLogFile, "http-log", "", "HTTP access log file")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug output")
	flag.Parse()

	if args.Connection == "serial" && args.SerialPort == "" {
		log.Fatalf("-serial-port is required for serial connection.")
	}
	if args.TestCase == "single" && args.File == "" {
		log.Fatalf("-file is required for -test single.")
	}
	return args
}

// ---------------------
// Test Execution
// ---------------------

// testConfig is one trial: a window size to request and the file to fetch.
type testConfig struct {
	WindowSize int
	File       string
}

// testResult pairs a finished trial with its finalized metrics.
type testResult struct {
	WindowSize int                  `json:"requested_windowsize"`
	File       string               `json:"file"`
	Metrics    tftp.TransferMetrics `json:"metrics"`
}

func newConn(args *Arguments) (tftp.DatagramConn, error) {
	if args.Connection == "serial" {
		return tftp.NewSerialConn(args.SerialPort, args.Baud)
	}
	return tftp.NewUDPConn(net.JoinHostPort(args.Host, strconv.Itoa(args.Port)), args.BlockSize+4)
}

// runWindowsizeTest downloads remoteFile once with the given window size,
// verifies the result and returns the finalized metrics. The downloaded
// copy is removed afterwards.
func runWindowsizeTest(args *Arguments, remoteFile string, windowsize, testNum int, expectedMD5 string) (*tftp.TransferMetrics, error) {
	conn, err := newConn(args)
	if err != nil {
		return nil, err
	}
	cfg := tftp.Config{
		BlockSize:  args.BlockSize,
		WindowSize: windowsize,
		Timeout:    time.Duration(args.TimeoutSeconds) * time.Second,
		MaxRetries: args.MaxRetries,
	}
	res, err := tftp.Download(conn, remoteFile, cfg)
	if err != nil {
		return nil, err
	}

	outPath := filepath.Join(args.OutputDir, fmt.Sprintf("tftp-test-ws%d-%d.bin", windowsize, testNum))
	if err := os.WriteFile(outPath, res.Payload, 0644); err != nil {
		return nil, fmt.Errorf("saving downloaded file: %w", err)
	}
	defer os.Remove(outPath)
	hash, err := verifyFileIntegrity(outPath, expectedMD5)
	if err != nil {
		return nil, err
	}
	if args.Debug {
		log.Printf("Verified %s (MD5 %s)", outPath, hash)
	}
	m := res.Metrics
	return &m, nil
}

// verifyFileIntegrity computes the MD5 digest of the file and, when an
// expected digest is given, fails on a mismatch.
func verifyFileIntegrity(path, expected string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if expected != "" && !strings.EqualFold(digest, expected) {
		return "", fmt.Errorf("file integrity check failed: %s != %s", digest, expected)
	}
	return digest, nil
}

func testPlanFor(testCase string) ([]testConfig, error) {
	switch testCase {
	case "quick":
		// Medium file with windowsize 1-8.
		var plan []testConfig
		for ws := 1; ws <= 8; ws++ {
			plan = append(plan, testConfig{ws, "medium.bin"})
		}
		return plan, nil
	case "full":
		return fullTestPlan(), nil
	case "performance":
		// Large file with various windowsizes.
		var plan []testConfig
		for _, ws := range []int{1, 2, 4, 8, 16, 32, 64} {
			plan = append(plan, testConfig{ws, "large.bin"})
		}
		return plan, nil
	default:
		return nil, fmt.Errorf("unknown test case: %s", testCase)
	}
}

func fullTestPlan() []testConfig {
	return []testConfig{
		{1, "small.bin"}, {2, "small.bin"}, {3, "small.bin"}, {4, "small.bin"},
		{5, "small.bin"}, {6, "small.bin"}, {7, "small.bin"}, {8, "small.bin"},
		{1, "medium.bin"}, {2, "medium.bin"}, {4, "medium.bin"}, {8, "medium.bin"},
		{12, "medium.bin"}, {16, "medium.bin"}, {24, "medium.bin"}, {32, "medium.bin"},
		{1, "large.bin"}, {2, "large.bin"}, {4, "large.bin"}, {8, "large.bin"},
		{16, "large.bin"}, {32, "large.bin"}, {48, "large.bin"}, {64, "large.bin"},
		{1, "xlarge.bin"}, {8, "xlarge.bin"}, {32, "xlarge.bin"}, {64, "xlarge.bin"},
		{1, "single-block.bin"}, {16, "single-block.bin"},
		{16, "exact-window.bin"}, {32, "exact-window.bin"},
	}
}

func runPlan(args *Arguments, plan []testConfig, store *resultsStore) []testResult {
	var results []testResult
	for i, tc := range plan {
		log.Printf("Test %2d: WS=%-2d File=%s ...", i+1, tc.WindowSize, tc.File)
		metrics, err := runWindowsizeTest(args, tc.File, tc.WindowSize, i+1, "")
		if err != nil {
			log.Printf("Test %d failed: %v", i+1, err)
			continue
		}
		r := testResult{WindowSize: tc.WindowSize, File: tc.File, Metrics: *metrics}
		results = append(results, r)
		store.add(r)
		log.Printf("Test %2d: %.2f Mbps", i+1, metrics.ThroughputMbps)
	}
	return results
}

// ---------------------
// Report Formatting
// ---------------------

func printMetricsTable(results []testResult) {
	line := strings.Repeat("=", 100)
	fmt.Println("\n" + line)
	fmt.Printf("%-4s %-12s %-10s %-12s %-8s %-8s %-8s %-8s\n",
		"WS", "File Size", "Time (s)", "Throughput", "Packets", "ACKs", "Retrans", "Loss %")
	fmt.Println(line)
	for _, r := range results {
		m := r.Metrics
		fmt.Printf("%-4d %-12d %-10.3f %-12.2f %-8d %-8d %-8d %-8.2f\n",
			r.WindowSize, m.FileSize, m.TransferTime, m.ThroughputMbps,
			m.TotalPackets, m.TotalAcks, m.Retransmissions, m.PacketLossRate*100)
	}
	fmt.Println(line)
}

func printPerformanceSummary(results []testResult) {
	if len(results) < 2 {
		return
	}
	baseline := results[0]
	best := results[0]
	for _, r := range results[1:] {
		if r.Metrics.ThroughputMbps > best.Metrics.ThroughputMbps {
			best = r
		}
	}
	fmt.Println("\nPerformance Summary:")
	fmt.Printf("  Baseline (WS=%d): %.2f Mbps\n", baseline.WindowSize, baseline.Metrics.ThroughputMbps)
	fmt.Printf("  Best (WS=%d): %.2f Mbps\n", best.WindowSize, best.Metrics.ThroughputMbps)
	if baseline.Metrics.ThroughputMbps > 0 {
		improvement := (best.Metrics.ThroughputMbps - baseline.Metrics.ThroughputMbps) /
			baseline.Metrics.ThroughputMbps * 100
		fmt.Printf("  Improvement: %.1f%%\n", improvement)
	}
}

// ---------------------
// Watch-Directory Mode
// ---------------------

// loadTestPlan parses a plan file: one "<windowsize> <remote-file>" pair per
// line; blank lines and #-comments are ignored.
func loadTestPlan(path string) ([]testConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var plan []testConfig
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"<windowsize> <file>\", got %q", lineNum, line)
		}
		ws, err := strconv.Atoi(fields[0])
		if err != nil || ws < 1 {
			return nil, fmt.Errorf("line %d: bad windowsize %q", lineNum, fields[0])
		}
		plan = append(plan, testConfig{WindowSize: ws, File: fields[1]})
	}
	return plan, scanner.Err()
}

// watchLoop queues test plan files appearing in the watch directory and runs
// them one at a time.
func watchLoop(args *Arguments, store *resultsStore) {
	planQueue := make(chan string, 100)

	if args.WatchExisting {
		entries, err := os.ReadDir(args.WatchDirectory)
		if err != nil {
			log.Fatalf("Error reading directory %s: %v", args.WatchDirectory, err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
				continue
			}
			fullPath := filepath.Join(args.WatchDirectory, e.Name())
			planQueue <- fullPath
			log.Printf("Queued existing test plan: %s", fullPath)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("Error creating file watcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Add(args.WatchDirectory); err != nil {
		log.Fatalf("Error watching directory %s: %v", args.WatchDirectory, err)
	}
	log.Printf("Monitoring directory: %s", args.WatchDirectory)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
					if strings.HasPrefix(filepath.Base(event.Name), ".") {
						continue
					}
					info, err := os.Stat(event.Name)
					if err == nil && info.Mode().IsRegular() {
						planQueue <- event.Name
						log.Printf("Enqueued test plan from event: %s", event.Name)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("Watcher error: %v", err)
			}
		}
	}()

	for plan := range planQueue {
		log.Printf("=== Running test plan: %s ===", plan)
		configs, err := loadTestPlan(plan)
		if err != nil {
			log.Printf("Error loading test plan %s: %v", plan, err)
			continue
		}
		results := runPlan(args, configs, store)
		if len(results) > 0 {
			printMetricsTable(results)
			printPerformanceSummary(results)
		}
		log.Printf("=== Completed test plan: %s ===", plan)
	}
}

// ---------------------
// HTTP Results Endpoint
// ---------------------

// resultsStore accumulates finished test results for the HTTP endpoint.
type resultsStore struct {
	mu      sync.Mutex
	results []testResult
}

func (s *resultsStore) add(r testResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *resultsStore) snapshot() []testResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]testResult, len(s.results))
	copy(out, s.results)
	return out
}

func myLogFormatter(writer io.Writer, params handlers.LogFormatterParams) {
	ip, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		ip = params.Request.RemoteAddr
	}
	fmt.Fprintf(writer, "%s - [%s] \"%s %s\" %d %d\n",
		ip, params.TimeStamp.Format(time.RFC1123),
		params.Request.Method, params.URL.Path,
		params.StatusCode, params.Size)
}

func serveResults(args *Arguments, store *resultsStore) {
	mux := http.NewServeMux()
	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(store.snapshot()); err != nil {
			log.Printf("Error encoding results: %v", err)
		}
	})

	addr := fmt.Sprintf(":%d", args.HTTPPort)
	log.Printf("HTTP results server listening on %s", addr)
	if args.HTTPLogFile != "" {
		logFile, err := os.OpenFile(args.HTTPLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("Error opening HTTP log file: %v", err)
		}
		defer logFile.Close()
		if err := http.ListenAndServe(addr, handlers.CustomLoggingHandler(logFile, mux, myLogFormatter)); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	} else {
		if err := http.ListenAndServe(addr, handlers.LoggingHandler(os.Stdout, mux)); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	}
}

// ---------------------
// Main
// ---------------------

func main() {
	log.SetFlags(log.LstdFlags)
	args := parseArguments()
	if args.Debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	store := &resultsStore{}
	if args.HTTPPort > 0 {
		go serveResults(args, store)
	}

	if args.WatchDirectory != "" {
		watchLoop(args, store)
		return
	}

	if args.TestCase == "single" {
		metrics, err := runWindowsizeTest(args, args.File, args.WindowSize, 1, args.MD5)
		if err != nil {
			log.Fatalf("Transfer failed: %v", err)
		}
		r := testResult{WindowSize: args.WindowSize, File: args.File, Metrics: *metrics}
		store.add(r)
		printMetricsTable([]testResult{r})
	} else {
		plan, err := testPlanFor(args.TestCase)
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Println("\nTFTP Windowsize Analyzer (RFC 7440)")
		fmt.Println(strings.Repeat("=", 61))
		results := runPlan(args, plan, store)
		if len(results) > 0 {
			printMetricsTable(results)
			printPerformanceSummary(results)
		}
		fmt.Println("\nTests completed successfully!")
	}

	if args.HTTPPort > 0 {
		log.Printf("Still serving results on port %d (Ctrl-C to exit)", args.HTTPPort)
		select {}
	}
}
