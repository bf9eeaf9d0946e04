/*
Pipeline wires the trading runtime together and runs one goroutine per stage.

# Module
  - feed: plays a capture into the wire decoder
  - market: applies decoded messages to the books, marks positions and risk
  - order: submits strategy order requests through risk to the venue
  - report: applies venue execution reports to orders and positions
  - monitor: order timeouts, drawdown breaker and position limit checks

# Source
  - feed bytes from a capture or a live connection
  - order requests from strategies
  - execution reports from the venue

# Produce
  - orders to the venue
  - audit records for rejections, venue errors, parse errors and breaker trips
  - position snapshot on stop

# Sharded
  - none
*/
package pipeline
