package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"telemetry-service/internal/ingest"
	"telemetry-service/internal/mqtt"
)

type reading struct {
	SensorID    string  `json:"sensor_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

func main() {
	var (
		broker   = flag.String("broker", getenv("MQTT_BROKER_URL", mqtt.DefaultBrokerURL), "mqtt broker url")
		topic    = flag.String("topic", getenv("MQTT_TOPIC", ingest.DefaultTopic), "topic to publish readings on")
		sensors  = flag.String("sensors", getenv("SIM_SENSOR_IDS", "GH-001,GH-002"), "comma separated sensor ids")
		interval = flag.Duration("interval", 5*time.Second, "publish interval per sensor")
		qos      = flag.Int("qos", 1, "publish qos")
	)
	flag.Parse()

	ids := splitIDs(*sensors)
	if len(ids) == 0 {
		slog.Error("no sensor ids given")
		os.Exit(1)
	}

	pub, err := mqtt.NewPublisher(*broker, "sensor-sim", byte(*qos))
	if err != nil {
		slog.Error("mqtt connect failed", "broker", *broker, "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	start := time.Now()
	slog.Info("sensor simulator running", "topic", *topic, "sensors", ids, "interval", *interval)
	for {
		select {
		case <-stop:
			slog.Info("sensor simulator stopped")
			return
		case now := <-ticker.C:
			for i, id := range ids {
				b, _ := json.Marshal(simulate(id, i, now, start))
				if err := pub.Publish(*topic, b, false); err != nil {
					slog.Warn("publish failed", "sensor_id", id, "error", err)
				}
			}
		}
	}
}

// simulate produces a slow daily-looking curve with some jitter per sensor.
func simulate(sensorID string, offset int, now, start time.Time) reading {
	phase := now.Sub(start).Minutes()/30 + float64(offset)
	return reading{
		SensorID:    sensorID,
		Temperature: math.Round((21+3*math.Sin(phase)+rand.NormFloat64()*0.2)*10) / 10,
		Humidity:    math.Round((55+10*math.Cos(phase)+rand.NormFloat64())*10) / 10,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
	}
}

func splitIDs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
