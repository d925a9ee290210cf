// Package launcher is the plugin runtime of a desktop launcher. It discovers
// plugins on disk, loads them into the runtime their manifest asks for and
// routes searches, actions and messages between them and the UI.
//
// Key Features:
//   - Manifests in JSON, YAML or TOML, with legacy package.json translation
//   - Native shared libraries behind a trust policy and optional hash pins
//   - WebAssembly guests on wazero with a memory cap and no ambient access
//   - Sandboxed Lua scripts and legacy JavaScript bundles (goja)
//   - Permission-checked host functions: storage, clipboard, notify, HTTP
//   - Priority message routing with correlation tracking and timeouts
//   - Distributed search with ranking, deduplication and per-UI supersession
//   - Health sweeps and circuit breaking per plugin
//   - Hot reload of the host configuration through Argus
//
// Threading model:
//
// All plugin code runs on the Scheduler's worker pool. Results are delivered
// back on the coordinating goroutine, which is whoever calls Host.Update (or
// Host.Run). UI handlers such as HandleSearchRequested must be called from
// that same goroutine. Update never blocks on plugin work.
//
// Basic Usage:
//
//	cfg, err := launcher.LoadHostConfig("~/.config/launcher/host.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	events := launcher.NewChannelEventSink(256)
//	host, err := launcher.NewHost(ctx, *cfg, launcher.HostOptions{Events: events})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer host.Shutdown(context.Background())
//
//	if err := host.Start(ctx, "~/.config/launcher/host.yaml"); err != nil {
//		log.Fatal(err)
//	}
//
//	host.HandleSearchRequested(launcher.SearchRequested{Query: "calc 2+2", Requester: 1})
//	for {
//		host.Update()
//		select {
//		case e := <-events.Events():
//			if sc, ok := e.(launcher.SearchCompleted); ok {
//				fmt.Println(sc.Results)
//			}
//		case <-time.After(16 * time.Millisecond):
//		}
//	}
//
// Errors:
// Every failure carries a structured code from github.com/agilira/go-errors
// (LOAD_*, SANDBOX_*, PERM_*, CORR_*, REGISTRY_*, SCHED_*, CONFIG_*). Use
// ErrorCodeOf to read it.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package launcher
