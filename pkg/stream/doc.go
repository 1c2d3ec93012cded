// Package stream provides a resilient WebSocket client for feedwire event
// channels ("logs", "monitoring", "tasks").
//
// The client handles:
//   - Automatic reconnection at a fixed interval with a bounded attempt budget
//   - A most-recent-first history of the last messages for late observers
//   - Ordered listener dispatch for messages, connects, disconnects and errors
//   - Recovery from malformed frames without dropping the connection
//   - Ping/pong liveness frames
//
// Basic usage:
//
//	cfg := stream.DefaultConfig()
//	cfg.BaseURL = "wss://feed.example.com"
//	cfg.Channel = "logs"
//	cfg.Token = os.Getenv("FEEDWIRE_TOKEN")
//	cfg.OnMessage = func(msg stream.Message) {
//	    fmt.Printf("got %s: %s\n", msg.Type, msg.Data)
//	}
//
//	c, err := stream.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.Connect()
//	defer c.Disconnect()
//
// Connect returns immediately; outcomes are reported through the callbacks.
// After the reconnect budget is exhausted the client stays closed until
// Connect is called again. Disconnect is final for the instance.
package stream
