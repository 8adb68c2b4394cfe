package main

import (
	"context"
	"flag"
	"os"
	"time"

	"gator-chat/simulator"

	"github.com/rs/zerolog"
)

func main() {
	config := simulator.SimConfig{}
	flag.IntVar(&config.NumUsers, "users", 10, "number of simulated users")
	flag.DurationVar(&config.SimulationTime, "duration", 10*time.Minute, "how long to run")
	flag.Float64Var(&config.MessageFrequency, "messages", 120, "messages per user per hour")
	flag.Float64Var(&config.ReadFrequency, "reads", 60, "conversation reads per user per hour")
	flag.Float64Var(&config.TypingProbability, "typing", 0.5, "chance a message is preceded by typing frames")
	flag.Float64Var(&config.DisconnectRate, "disconnect", 0.01, "per-second disconnect chance")
	flag.Float64Var(&config.ReconnectRate, "reconnect", 0.05, "per-second reconnect chance")
	flag.Float64Var(&config.ZipfS, "zipf", 1.07, "Zipf parameter for partner selection")
	flag.StringVar(&config.EngineURL, "url", "http://localhost:8080", "engine base URL")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	logger.Info().
		Str("url", config.EngineURL).
		Int("users", config.NumUsers).
		Dur("duration", config.SimulationTime).
		Float64("messages_per_user_hour", config.MessageFrequency).
		Float64("typing_probability", config.TypingProbability).
		Float64("zipf", config.ZipfS).
		Msg("starting simulation")

	sim := simulator.NewEnhancedSimulator(config, logger)
	ctx, cancel := context.WithTimeout(context.Background(), config.SimulationTime)
	defer cancel()

	if err := sim.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}

	// Print final metrics
	metrics := sim.GetMetrics()
	logger.Info().
		Int("total_users", metrics.TotalUsers).
		Int("active_users", metrics.ActiveUsers).
		Int("messages_sent", metrics.MessagesSent).
		Int("messages_delivered", metrics.MessagesDelivered).
		Int("typing_frames", metrics.TypingFrames).
		Int("conversations_opened", metrics.ConversationsOpened).
		Dur("avg_latency", metrics.AverageLatency).
		Int("errors", metrics.ErrorCount).
		Msg("simulation completed")
}
