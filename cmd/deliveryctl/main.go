package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/austindbirch/backpressure/cmd/deliveryctl/cmd"
	"github.com/austindbirch/backpressure/internal/delivery"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, delivery.ErrPartialDelivery) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
