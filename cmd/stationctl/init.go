package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/link"
)

func handleInit(args []string) {
	path := "./station.config.json"
	if len(args) > 0 {
		path = args[0]
	}

	reader := bufio.NewReader(os.Stdin)
	cfg := config.DefaultStationConfig()

	fmt.Println("chargebay station init wizard")
	fmt.Printf("This will create/update %s.\n", path)
	fmt.Println("Secrets are read from the environment (see .env.example), not stored here.")
	fmt.Println()

	cfg.StationName = promptString(reader, "Station name", cfg.StationName, true)

	cfg.Link.Kind = promptChoice(reader, "Controller link (serial, tcp, websocket)", cfg.Link.Kind,
		config.LinkSerial, config.LinkTCP, config.LinkWebSocket)
	defaultAddress := cfg.Link.Address
	if cfg.Link.Kind == config.LinkSerial {
		if ports, err := link.ListSerialPorts(); err == nil && len(ports) > 0 {
			fmt.Printf("Detected serial ports: %s\n", strings.Join(ports, ", "))
			defaultAddress = ports[0]
		}
	} else {
		defaultAddress = ""
	}
	cfg.Link.Address = promptString(reader, "Controller address", defaultAddress, true)
	if cfg.Link.Kind == config.LinkSerial {
		cfg.Link.BaudRate = promptInt(reader, "Baud rate", cfg.Link.BaudRate, 1, 4000000)
	}

	cfg.Slots.Count = promptInt(reader, "Number of charging slots", cfg.Slots.Count, 1, 64)
	cfg.Slots.Positions = make([]int, cfg.Slots.Count)
	for i := range cfg.Slots.Positions {
		cfg.Slots.Positions[i] = i
	}
	if promptYesNo(reader, "Is the LED strip wired in reverse slot order?", false) {
		for i := range cfg.Slots.Positions {
			cfg.Slots.Positions[i] = cfg.Slots.Count - 1 - i
		}
	}

	minutes := promptInt(reader, "Minimum charge duration in minutes", int(cfg.Charging.MinimumDurationSeconds/60), 1, 24*60)
	cfg.Charging.MinimumDurationSeconds = int64(minutes) * 60

	cfg.Database.Path = promptString(reader, "Database path", cfg.Database.Path, true)
	cfg.Identifiers.Terminal.Enabled = promptYesNo(reader, "Read scans from a keyboard-wedge scanner on this terminal?", true)

	if promptYesNo(reader, "Configure MQTT now?", false) {
		cfg.MQTT.Broker = promptString(reader, "MQTT broker", "tcp://localhost:1883", true)
		cfg.Identifiers.MQTT.Enabled = promptYesNo(reader, "Accept scans over MQTT?", true)
		if cfg.Identifiers.MQTT.Enabled {
			cfg.Identifiers.MQTT.Topic = promptString(reader, "Scan topic", cfg.Identifiers.MQTT.Topic, true)
		}
		cfg.MQTT.PublishEvents = promptYesNo(reader, "Publish session events over MQTT?", true)
	}

	if promptYesNo(reader, "Configure Discord notifications now?", false) {
		cfg.Discord.Enabled = true
		cfg.Discord.ChannelID = promptString(reader, "Discord channel id", "", true)
		fmt.Printf("Set %s in the environment before starting the station.\n", config.EnvDiscordToken)
	}

	if err := writeJSONFile(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing station config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Done.")
	fmt.Printf("- Station config: %s\n", path)
	fmt.Printf("- Next: stationd -config %s\n", path)
}

func writeJSONFile(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal json: %w", err)
	}

	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func promptString(reader *bufio.Reader, label, def string, required bool) string {
	for {
		if def != "" {
			fmt.Printf("%s [%s]: ", label, def)
		} else {
			fmt.Printf("%s: ", label)
		}

		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			fail(fmt.Errorf("read input: %w", err))
		}
		input = strings.TrimSpace(input)

		if input == "" {
			input = def
		}

		if required && input == "" {
			fmt.Println("Value is required.")
			continue
		}

		return input
	}
}

func promptChoice(reader *bufio.Reader, label, def string, choices ...string) string {
	for {
		raw := strings.ToLower(promptString(reader, label, def, true))
		for _, c := range choices {
			if raw == c {
				return c
			}
		}
		fmt.Printf("Enter one of: %s.\n", strings.Join(choices, ", "))
	}
}

func promptInt(reader *bufio.Reader, label string, def, lo, hi int) int {
	for {
		raw := promptString(reader, label, strconv.Itoa(def), true)
		val, err := strconv.Atoi(raw)
		if err != nil || val < lo || val > hi {
			fmt.Printf("Enter a valid integer between %d and %d.\n", lo, hi)
			continue
		}
		return val
	}
}

func promptYesNo(reader *bufio.Reader, label string, def bool) bool {
	defLabel := "y/N"
	if def {
		defLabel = "Y/n"
	}

	for {
		fmt.Printf("%s [%s]: ", label, defLabel)
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			fail(fmt.Errorf("read input: %w", err))
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			fmt.Println("Enter y or n.")
		}
	}
}
