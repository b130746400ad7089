package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/exchange-api/internal/accounts"
	"github.com/ksred/exchange-api/internal/auth"
	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/engine"
	"github.com/ksred/exchange-api/internal/publisher"
	"github.com/ksred/exchange-api/internal/risk"
	"github.com/ksred/exchange-api/internal/trading"
	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// addFailure counts a failed call against the route
func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the exchange API for
// one simulated trader
type simulationClient struct {
	baseURL   string
	authToken string
	userID    string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient registers a fresh trader, authenticates it and seeds
// it with cash and holdings so both sides of the book can be exercised
func newSimulationClient(workerID int, stats map[string]*routeStats) (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats:   stats,
	}

	username := fmt.Sprintf("trader_%d_%d", workerID, rand.Intn(1_000_000))
	if err := sc.register(username); err != nil {
		return nil, fmt.Errorf("failed to register: %w", err)
	}
	if err := sc.login(username); err != nil {
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	for _, symbol := range symbols {
		if err := sc.grantHolding(symbol, decimal.NewFromInt(500)); err != nil {
			return nil, fmt.Errorf("failed to seed holdings: %w", err)
		}
	}

	return sc, nil
}

// register creates the simulated trader's user account
func (sc *simulationClient) register(username string) error {
	start := time.Now()
	defer func() {
		sc.stats["register"].addDuration(time.Since(start))
	}()

	payload := map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "simulation-pass",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/register", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			UserID string `json:"user_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	sc.userID = result.Data.UserID
	return nil
}

// login authenticates the trader and stores its JWT
func (sc *simulationClient) login(username string) error {
	start := time.Now()
	defer func() {
		sc.stats["login"].addDuration(time.Since(start))
	}()

	payload := map[string]string{
		"username": username,
		"password": "simulation-pass",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/login", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("login failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	sc.authToken = result.Data.Token
	return nil
}

// grantHolding seeds the trader with instrument holdings via the internal API
func (sc *simulationClient) grantHolding(symbol string, quantity decimal.Decimal) error {
	payload := map[string]interface{}{
		"user_id":  sc.userID,
		"symbol":   symbol,
		"quantity": quantity,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/internal/holdings", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("grant holding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// submitOrder submits a new order to the API
// Returns the admitted order and any immediate trades
func (sc *simulationClient) submitOrder(order *trading.SubmitOrderRequest) (*types.SubmitOrderResponse, error) {
	start := time.Now()
	defer func() {
		sc.stats["submit"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Submit order response")

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// Risk rejections are an expected outcome under random flow
		return nil, fmt.Errorf("order rejected: %s", string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("submit order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                      `json:"success"`
		Data    types.SubmitOrderResponse `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.Order == nil || result.Data.Order.OrderID == "" {
		return nil, fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return &result.Data, nil
}

// getOrder retrieves the current status of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Get order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// cancelOrder cancels a resting order
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"DELETE",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Cancel order response")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// getOrderBook fetches the current depth snapshot for a symbol
func (sc *simulationClient) getOrderBook(symbol string) (*types.BookSnapshot, error) {
	start := time.Now()
	defer func() {
		sc.stats["book"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/orderbook/%s", sc.baseURL, symbol))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order book failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool               `json:"success"`
		Data    types.BookSnapshot `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the matching simulation
// It starts a local API server and simulates multiple concurrent traders
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	stats := map[string]*routeStats{
		"register": {name: "Register"},
		"login":    {name: "Login"},
		"submit":   {name: "Submit Order"},
		"get":      {name: "Get Order"},
		"cancel":   {name: "Cancel Order"},
		"book":     {name: "Order Book"},
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	type workerResult struct {
		submitted int
		traded    int
		cancelled int
		rejected  int
		volume    decimal.Decimal
		symbols   map[string]int
		sides     map[string]int
	}

	results := make(chan workerResult, numWorkers)
	var wg sync.WaitGroup

	startTime := time.Now()

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			result := workerResult{
				volume:  decimal.Zero,
				symbols: make(map[string]int),
				sides:   make(map[string]int),
			}
			defer func() { results <- result }()

			simClient, err := newSimulationClient(workerID, stats)
			if err != nil {
				log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to initialize trader")
				return
			}

			for j := 0; j < targetOrders/numWorkers; j++ {
				order := &trading.SubmitOrderRequest{
					Symbol:   symbols[rand.Intn(len(symbols))],
					Side:     sides[rand.Intn(len(sides))],
					Quantity: decimal.NewFromInt(int64(rand.Intn(20) + 1)),
					Price:    decimal.NewFromInt(int64(rand.Intn(20) + 90)),
				}

				submitted, err := simClient.submitOrder(order)
				if err != nil {
					log.Warn().Err(err).Int("worker_id", workerID).Msg("Order not admitted")
					stats["submit"].addFailure()
					result.rejected++
					continue
				}

				result.submitted++
				result.symbols[order.Symbol]++
				result.sides[order.Side]++
				result.traded += len(submitted.Trades)
				for _, trade := range submitted.Trades {
					result.volume = result.volume.Add(trade.Value())
				}

				log.Info().
					Int("worker_id", workerID).
					Str("order_id", submitted.Order.OrderID).
					Str("symbol", order.Symbol).
					Str("side", order.Side).
					Str("status", submitted.Order.Status).
					Int("trades", len(submitted.Trades)).
					Msg("Order submitted")

				// Occasionally cancel a resting remainder
				if submitted.Order.Status == types.OrderStatusOpen && rand.Intn(5) == 0 {
					if err := simClient.cancelOrder(submitted.Order.OrderID); err != nil {
						log.Warn().Err(err).Msg("Failed to cancel order")
						stats["cancel"].addFailure()
					} else {
						result.cancelled++
					}
				} else if rand.Intn(3) == 0 {
					if _, err := simClient.getOrder(submitted.Order.OrderID); err != nil {
						log.Warn().Err(err).Msg("Failed to fetch order")
						stats["get"].addFailure()
					}
				}

				// Random sleep between orders
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}

			// Final depth check per trader
			if snapshot, err := simClient.getOrderBook(symbols[rand.Intn(len(symbols))]); err == nil {
				log.Info().
					Int("worker_id", workerID).
					Str("symbol", snapshot.Symbol).
					Int("bid_levels", len(snapshot.Bids)).
					Int("ask_levels", len(snapshot.Asks)).
					Msg("Order book snapshot")
			}
		}(i)
	}

	wg.Wait()
	close(results)

	total := workerResult{volume: decimal.Zero, symbols: make(map[string]int), sides: make(map[string]int)}
	for r := range results {
		total.submitted += r.submitted
		total.traded += r.traded
		total.cancelled += r.cancelled
		total.rejected += r.rejected
		total.volume = total.volume.Add(r.volume)
		for s, c := range r.symbols {
			total.symbols[s] += c
		}
		for s, c := range r.sides {
			total.sides[s] += c
		}
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MATCHING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Submitted:     %d
Trades:        %d
Cancelled:     %d
Rejected:      %d
Traded Value:  $%s
Duration:      %v

Symbol Distribution
-------------------
`, total.submitted, total.traded, total.cancelled, total.rejected,
		total.volume.StringFixed(2), duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range total.symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for symbol, count := range total.symbols {
		barLength := 0
		if maxSymbolCount > 0 {
			barLength = int(float64(count) / float64(maxSymbolCount) * 20)
		}
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range total.sides {
		barLength := 0
		if total.submitted > 0 {
			barLength = int(float64(count) / float64(total.submitted) * 20)
		}
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("submitted", total.submitted).
		Int("trades", total.traded).
		Int("cancelled", total.cancelled).
		Int("rejected", total.rejected).
		Str("traded_value", total.volume.StringFixed(2)).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats(stats)
}

// startServer initializes and starts the exchange API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	accountsService := accounts.NewService(db)
	authService := auth.NewService("exchange-secret-key", accountsService)

	riskManager, err := risk.NewManager(db, accountsService, risk.LimitsFromEnv())
	if err != nil {
		return fmt.Errorf("failed to initialize risk manager: %w", err)
	}

	publisherService := publisher.NewService(db)
	matchingEngine := engine.NewEngine(riskManager, publisherService)
	tradingService := trading.NewService(db, matchingEngine, publisherService.GetDB())

	go publisherService.Start(context.Background())
	go accountsService.ConsumeTrades(context.Background(), publisherService.Subscribe("accounts", 256))

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	accountsHandlers := accounts.NewGinHandlers(accountsService)
	tradingHandlers := trading.NewGinHandlers(tradingService)
	publisherHandlers := publisher.NewGinHandlers(publisherService)
	riskHandlers := risk.NewGinHandlers(riskManager)

	// Setup routes
	setupRoutes(router, authHandlers, tradingHandlers, accountsHandlers, publisherHandlers, riskHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	accountsHandlers *accounts.GinHandlers,
	publisherHandlers *publisher.GinHandlers,
	riskHandlers *risk.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandlers.RegisterHandler())
			authGroup.POST("/login", authHandlers.LoginHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", tradingHandlers.SubmitOrderHandler())
			orders.GET("", tradingHandlers.GetUserOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		// Account routes
		account := v1.Group("/account")
		account.Use(middleware.JWTAuth())
		{
			account.GET("", accountsHandlers.GetProfileHandler())
			account.POST("/deposit", accountsHandlers.DepositHandler())
			account.GET("/risk", riskHandlers.GetRiskStateHandler())
			account.GET("/trades", publisherHandlers.GetUserTradesHandler())
		}

		// Market data routes
		v1.GET("/orderbook/:symbol", tradingHandlers.GetOrderBookHandler())
		v1.GET("/trades/:symbol", publisherHandlers.GetRecentTradesHandler())

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/holdings", accountsHandlers.GrantHoldingHandler())
			internal.POST("/reconcile/:symbol", tradingHandlers.ReconcileBookHandler())
			internal.POST("/risk/reset", riskHandlers.ResetDailyHandler())
		}
	}
}
