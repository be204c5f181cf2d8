package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/pcsc"
	"github.com/SimplyPrint/pcsc-agent/internal/service"
)

func listReaders() error {
	agent := pcsc.NewAgent()
	defer agent.Close()

	readers, err := agent.DescribeReaders()
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		fmt.Println("No readers found.")
		return nil
	}

	fmt.Println("  # │ Type │ Name")
	fmt.Println("────┼──────┼────────────────────")
	for i, r := range readers {
		fmt.Printf("%3d │ %-4s │ %s\n", i, r.Type, r.Name)
	}
	return nil
}

// resolveReader accepts a reader name or its index in the reader list.
func resolveReader(agent *pcsc.Agent, arg string) (string, error) {
	names, err := agent.ListReaders()
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if name == arg {
			return name, nil
		}
	}
	if i, err := strconv.Atoi(arg); err == nil && i >= 0 && i < len(names) {
		return names[i], nil
	}
	return "", fmt.Errorf("reader %q not found", arg)
}

func parseAPDU(s string) ([]byte, error) {
	apdu, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(s))
	if err != nil {
		return nil, fmt.Errorf("apdu must be a hex string: %w", err)
	}
	if len(apdu) == 0 {
		return nil, errors.New("apdu must not be empty")
	}
	return apdu, nil
}

func transmit(readerArg, apduHex string, timeout time.Duration) error {
	apdu, err := parseAPDU(apduHex)
	if err != nil {
		return err
	}

	agent := pcsc.NewAgent()
	defer agent.Close()

	reader, err := resolveReader(agent, readerArg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rsp, err := agent.Transmit(ctx, reader, apdu)
	if err != nil {
		return err
	}
	fmt.Println(strings.ToUpper(hex.EncodeToString(rsp)))
	return nil
}

func listen(readerArg string, pollTimeout time.Duration) error {
	agent := pcsc.NewAgent(pcsc.WithListenerOptions(pcsc.ListenerOptions{PollTimeout: pollTimeout}))
	defer agent.Close()

	reader, err := resolveReader(agent, readerArg)
	if err != nil {
		return err
	}

	stopped := make(chan struct{}, 1)
	onUID := func(uid string) {
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), uid)
	}
	onError := func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
		if _, ok := agent.Listening(); !ok {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	}

	if err := agent.StartListening(reader, onUID, onError); err != nil {
		return err
	}
	fmt.Printf("Listening on %s, press Ctrl+C to stop.\n", reader)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		return agent.StopListening()
	case <-stopped:
		return fmt.Errorf("listener on %q stopped", reader)
	}
}

func installService() error {
	if err := service.New().Install(); err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}
	fmt.Println("Auto-start service installed successfully")
	return nil
}

func uninstallService() error {
	if err := service.New().Uninstall(); err != nil {
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	fmt.Println("Auto-start service removed successfully")
	return nil
}

func serviceStatus() error {
	status, err := service.New().Status()
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}
