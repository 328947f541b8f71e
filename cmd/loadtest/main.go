// Command loadtest joins many clients to a relay and measures how long
// chat takes to reach the other participants.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/darkroom/pkg/client"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// stampPrefix marks load messages so receivers can measure delivery time.
const stampPrefix = "lt@"

// Stats tracks performance metrics
type Stats struct {
	posted           atomic.Int64
	postFailures     atomic.Int64
	received         atomic.Int64
	totalLatency     atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	banned           atomic.Int64
	nickRejected     atomic.Int64
	disconnections   atomic.Int64
	joined           atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	s.received.Add(1)
	s.totalLatency.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (posted, received, failed int64, avgLatencyUs float64) {
	posted = s.posted.Load()
	received = s.received.Load()
	failed = s.postFailures.Load()
	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

func generateNickname(id int) string {
	return fmt.Sprintf("lt%d-%s", id, uuid.NewString()[:6])
}

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// stamp prefixes text with the send time in unix microseconds.
func stamp(text string, now time.Time) string {
	return stampPrefix + strconv.FormatInt(now.UnixMicro(), 10) + " " + text
}

// latencyOf extracts the send time from a relayed "<nick>: lt@<us> ..." line.
func latencyOf(text string, now time.Time) (time.Duration, bool) {
	_, body, ok := strings.Cut(text, ": ")
	if !ok || !strings.HasPrefix(body, stampPrefix) {
		return 0, false
	}
	us, _, _ := strings.Cut(body[len(stampPrefix):], " ")
	sent, err := strconv.ParseInt(us, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.UnixMicro(sent)), true
}

// BotClient represents a fake participant for load testing
type BotClient struct {
	id    int
	c     *client.Client
	stats *Stats
}

func NewBotClient(ctx context.Context, id int, serverAddr, password string, stats *Stats) (*BotClient, error) {
	c, err := client.Dial(ctx, serverAddr, client.Config{
		Nickname:   generateNickname(id),
		Password:   password,
		Logger:     debugLogger,
		AcceptFile: func(string, string) bool { return false },
	})
	if err != nil {
		return nil, err
	}
	return &BotClient{id: id, c: c, stats: stats}, nil
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.c.Close()

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		bc.c.Run(ctx, func(e client.Event) {
			switch e.Kind {
			case client.EventChat:
				if d, ok := latencyOf(e.Text, time.Now()); ok {
					bc.stats.recordDelivery(d)
				}
			case client.EventDisconnected:
				if e.Err != nil {
					bc.stats.disconnections.Add(1)
					debugLogger.Printf("[Bot %d] disconnected: %v", bc.id, e.Err)
				}
			}
		})
	}()

	end := time.Now().Add(duration)
	for time.Now().Before(end) {
		if err := bc.c.Send(stamp(randomMessage(), time.Now())); err != nil {
			bc.stats.postFailures.Add(1)
			debugLogger.Printf("[Bot %d] send failed: %v", bc.id, err)
		} else {
			bc.stats.posted.Add(1)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			return
		case <-recvDone:
			return
		case <-time.After(delay):
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	select {
	case <-ctx.Done():
	case <-time.After(shutdownDelay):
	}
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Server address")
	password := flag.String("password", "", "Room password")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// ramp up over 25% of the test duration
	rampUp := *duration / 4
	staggerDelay := max(rampUp/time.Duration(*numClients), time.Millisecond)

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUp, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, received, failed, avgUs := stats.snapshot()
				rate := float64(posted) / time.Since(start).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d delivered, %d failed, avg %.2fms, load %.2f, goroutines %d",
					posted, rate, received, failed, avgUs/1000, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

spawn:
	for i := 0; i < *numClients; i++ {
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot, err := NewBotClient(ctx, id, *serverAddr, *password, stats)
			switch {
			case err == nil:
			case errors.Is(err, client.ErrBanned):
				stats.banned.Add(1)
				return
			case errors.Is(err, client.ErrNicknameRejected):
				stats.nickRejected.Add(1)
				return
			default:
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				return
			}
			stats.joined.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}
			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	close(stopStats)

	posted, received, failed, avgUs := stats.snapshot()
	joined := stats.joined.Load()
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d joined", *numClients, joined)
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/duration.Seconds())
	log.Printf("Messages delivered: %d", received)
	if posted > 0 && joined > 1 {
		// every message should reach every other participant
		expected := float64(posted) * float64(joined-1)
		log.Printf("Delivery ratio: %.1f%% of %.0f expected", float64(received)/expected*100, expected)
	}
	log.Printf("Post failures: %d", failed)
	log.Printf("Connection errors: %d (banned %d, nickname rejected %d)",
		stats.connectionErrors.Load(), stats.banned.Load(), stats.nickRejected.Load())
	log.Printf("Unexpected disconnections: %d", stats.disconnections.Load())
	log.Printf("Average delivery latency: %.2fms", avgUs/1000)
}
