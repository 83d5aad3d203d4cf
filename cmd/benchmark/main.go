// Benchmark drives Kestrel with PaySim fraud data or synthetic load.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//	go run ./cmd/benchmark -limit 50000 -workers 50
//
// In the default async mode every row is submitted to POST /transactions and
// the tool reports accepted, duplicate, backpressure and error counts. With
// -sync rows go through POST /webhooks/test and the predictions are compared
// with the fraud labels.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	IsFraud        bool
}

// Features mirrors the Kestrel feature payload.
type Features struct {
	AccountAgeDays           float64 `json:"accountAgeDays"`
	NumTransactionsToday     float64 `json:"numTransactionsToday"`
	AvgTransactionAmount     float64 `json:"avgTransactionAmount"`
	TimeSinceLastTransaction float64 `json:"timeSinceLastTransaction"`
	MerchantRiskScore        float64 `json:"merchantRiskScore"`
	LocationRiskScore        float64 `json:"locationRiskScore"`
	DeviceRiskScore          float64 `json:"deviceRiskScore"`
	VelocityScore            float64 `json:"velocityScore"`
	AmountDeviation          float64 `json:"amountDeviation"`
	HourOfDay                int     `json:"hourOfDay"`
	DayOfWeek                int     `json:"dayOfWeek"`
	IsWeekend                int     `json:"isWeekend"`
	CrossBorder              int     `json:"crossBorder"`
	HighRiskMerchant         int     `json:"highRiskMerchant"`
}

// TransactionRequest is the Kestrel submit format.
type TransactionRequest struct {
	ID       string            `json:"id"`
	UserID   string            `json:"userId"`
	Amount   string            `json:"amount"`
	Merchant string            `json:"merchant"`
	Currency string            `json:"currency"`
	Features Features          `json:"features"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TestResponse is the synchronous scoring response.
type TestResponse struct {
	Prediction struct {
		FraudProbability float64 `json:"fraudProbability"`
		RiskLevel        string  `json:"riskLevel"`
	} `json:"prediction"`
}

type row struct {
	tx  PaySimTransaction
	req TransactionRequest
}

// Metrics tracks benchmark results
type Metrics struct {
	Accepted     int64
	Duplicates   int64
	Backpressure int64
	TotalErrors  int64

	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed   int64
	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file (empty = synthetic load)")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to send (0 = all rows)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	syncMode := flag.Bool("sync", false, "Score via /webhooks/test and compare with fraud labels")
	runID := flag.String("run", strconv.FormatInt(time.Now().Unix(), 36), "Prefix for transaction ids")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                 KESTREL BENCHMARK                             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nSource:      %s\n", sourceName(*csvPath))
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Mode:        %s\n", modeName(*syncMode))
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	var transactions []PaySimTransaction
	var err error
	if *csvPath != "" {
		transactions, err = readPaySimCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		transactions = synthetic(*limit)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	rows := make([]row, len(transactions))
	for i, tx := range transactions {
		rows[i] = row{tx: tx, req: toRequest(fmt.Sprintf("%s-%d", *runID, i), tx)}
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, *baseURL, *workers, *syncMode, *verbose)
	printResults(metrics, time.Since(startTime), *syncMode)
}

func sourceName(path string) string {
	if path == "" {
		return "synthetic"
	}
	return path
}

func modeName(sync bool) string {
	if sync {
		return "sync (/webhooks/test)"
	}
	return "async (/transactions)"
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int) ([]PaySimTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	var transactions []PaySimTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		step, _ := strconv.Atoi(record[colIndex["step"]])
		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)
		oldBalanceOrg, _ := strconv.ParseFloat(record[colIndex["oldbalanceorg"]], 64)
		newBalanceOrig, _ := strconv.ParseFloat(record[colIndex["newbalanceorig"]], 64)

		transactions = append(transactions, PaySimTransaction{
			Step:           step,
			Type:           record[colIndex["type"]],
			Amount:         amount,
			NameOrig:       record[colIndex["nameorig"]],
			OldBalanceOrg:  oldBalanceOrg,
			NewBalanceOrig: newBalanceOrig,
			NameDest:       record[colIndex["namedest"]],
			IsFraud:        record[colIndex["isfraud"]] == "1",
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// synthetic generates n PaySim-shaped rows, roughly 2% of them draining
// transfers labelled as fraud.
func synthetic(n int) []PaySimTransaction {
	if n <= 0 {
		n = 10000
	}
	rng := rand.New(rand.NewSource(42))
	types := []string{"PAYMENT", "TRANSFER", "CASH_OUT", "DEBIT"}

	out := make([]PaySimTransaction, n)
	for i := range out {
		balance := math.Round(rng.Float64()*20000*100) / 100
		tx := PaySimTransaction{
			Step:          rng.Intn(744),
			Type:          types[rng.Intn(len(types))],
			Amount:        math.Round(rng.ExpFloat64()*300*100) / 100,
			NameOrig:      fmt.Sprintf("C%d", rng.Intn(n/10+1)),
			OldBalanceOrg: balance,
			NameDest:      fmt.Sprintf("M%d", rng.Intn(500)),
		}
		if rng.Float64() < 0.02 {
			tx.Type = "TRANSFER"
			tx.Amount = balance
			tx.IsFraud = true
		}
		tx.NewBalanceOrig = math.Max(tx.OldBalanceOrg-tx.Amount, 0)
		out[i] = tx
	}
	return out
}

// toRequest maps a PaySim row onto the Kestrel feature set.
func toRequest(id string, tx PaySimTransaction) TransactionRequest {
	f := Features{
		AccountAgeDays:       365,
		AvgTransactionAmount: tx.OldBalanceOrg / 10,
		HourOfDay:            tx.Step % 24,
		DayOfWeek:            (tx.Step / 24) % 7,
		MerchantRiskScore:    0.2,
	}
	if f.DayOfWeek >= 5 {
		f.IsWeekend = 1
	}
	if tx.Type == "TRANSFER" || tx.Type == "CASH_OUT" {
		f.MerchantRiskScore = 0.6
		f.HighRiskMerchant = 1
	}
	if tx.OldBalanceOrg > 0 {
		f.AmountDeviation = math.Min(tx.Amount/tx.OldBalanceOrg, 10)
	}
	if tx.NewBalanceOrig == 0 && tx.OldBalanceOrg > 0 {
		f.DeviceRiskScore = 0.7
	}

	return TransactionRequest{
		ID:       id,
		UserID:   tx.NameOrig,
		Amount:   strconv.FormatFloat(tx.Amount, 'f', 2, 64),
		Merchant: tx.NameDest,
		Currency: "USD",
		Features: f,
		Metadata: map[string]string{"paysim_type": tx.Type},
	}
}

func runBenchmark(rows []row, baseURL string, numWorkers int, syncMode, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for r := range work {
				start := time.Now()
				if syncMode {
					scoreRow(client, baseURL, r, metrics, verbose)
				} else {
					submitRow(client, baseURL, r, metrics, verbose)
				}
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)
			}
		}()
	}

	for _, r := range rows {
		work <- r
	}
	close(work)
	wg.Wait()

	return metrics
}

func submitRow(client *http.Client, baseURL string, r row, m *Metrics, verbose bool) {
	resp, err := post(client, baseURL+"/transactions", r.req)
	if err != nil {
		atomic.AddInt64(&m.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR: %s -> %v\n", r.req.ID, err)
		}
		return
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		atomic.AddInt64(&m.Accepted, 1)
	case http.StatusConflict:
		atomic.AddInt64(&m.Duplicates, 1)
	case http.StatusServiceUnavailable:
		atomic.AddInt64(&m.Backpressure, 1)
	default:
		atomic.AddInt64(&m.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR: %s -> status %d\n", r.req.ID, resp.StatusCode)
		}
	}
}

func scoreRow(client *http.Client, baseURL string, r row, m *Metrics, verbose bool) {
	resp, err := post(client, baseURL+"/webhooks/test", r.req)
	if err != nil {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}

	var result TestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		atomic.AddInt64(&m.TotalErrors, 1)
		return
	}
	atomic.AddInt64(&m.Accepted, 1)

	predicted := result.Prediction.RiskLevel == "high"
	actual := r.tx.IsFraud

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	if verbose {
		status := "✓"
		if predicted != actual {
			status = "✗"
		}
		fmt.Printf("%s %-12s | Type: %-8s | Amount: $%12.2f | Fraud: %-5v | Kestrel: %-6s (%.2f)\n",
			status, r.req.ID, r.tx.Type, r.tx.Amount, actual,
			result.Prediction.RiskLevel, result.Prediction.FraudProbability)
	}
}

func post(client *http.Client, url string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func printResults(m *Metrics, duration time.Duration, syncMode bool) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total Sent:       %d\n", m.TotalProcessed)
	fmt.Printf("   Accepted:         %d\n", m.Accepted)
	fmt.Printf("   Duplicates:       %d\n", m.Duplicates)
	fmt.Printf("   Backpressure:     %d\n", m.Backpressure)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	if syncMode {
		printConfusion(m)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	if m.Backpressure > 0 {
		fmt.Println("\n   Queue capacity was reached; raise TRANSACTION_QUEUE_CAPACITY or MAX_PROCESSING_THREADS.")
	}
	fmt.Println()
}

func printConfusion(m *Metrics) {
	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    HIGH        OTHER")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
}
