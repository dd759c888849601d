package main

import "time"

const (
	txQueueSize        = 1024 // requests waiting for the serial writer
	mqttConnectTimeout = 10 * time.Second
	shutdownTimeout    = 3 * time.Second
)
