// Package solarmon implements local monitoring for Solis PV inverters.
//
// # Architecture
//
// The monitor is structured into several key packages:
//   - inverter: SolarMAN V5 and Modbus TCP register readers
//   - collector: periodic polling loop feeding the store
//   - storage: append-only sqlite time series store
//   - series: read-side query and aggregation engine
//   - api: HTTP JSON API and live websocket feed
//   - scheduler: background store maintenance
//
// Key Features
//
//   - Local only:
//     Talks directly to the inverter's wifi logger stick on the LAN.
//     No cloud account, no vendor portal.
//
//   - Lossy-link tolerance:
//     Failed polls are skipped rather than retried; the next cycle
//     starts on schedule and the store only ever holds readings the
//     device actually reported.
//
//   - Time Series Queries:
//     History at raw, hourly and daily resolution, per-day generation
//     rollups and per-field min/max/avg statistics.
//
// Example Usage
//
//	repo, err := storage.Open(ctx, storage.Config{Path: "solar.db"})
//	engine := series.New(repo)
//	readings, err := engine.History(ctx, "2024-02-01", "2024-02-10", models.ResolutionHourly)
//
// For more information about specific packages, see their respective
// documentation.
package solarmon
