// Package internal contains the implementation packages of liveweave.
//
// # Package Organization
//
// A render cycle flows through the packages in this order:
//
//   - loader: template lookup and include resolution over a billy filesystem
//   - extract: attribute paths each context variable is read through
//   - planner: select_related and prefetch_related plans from those paths
//   - codegen, jitcache, jit: compiled serializers and the per-cycle pipeline
//   - serialize, blob: the deep fallback serializer and file URL resolution
//   - tmpl: the template engine that renders the serialized context
//   - vdom, protocol: tree diffing and the patch wire format
//   - session, transport: per-client state and the HTTP and websocket server
//
// Supporting packages:
//
//   - schema, store, store/sqlstore: entity types and the data sources
//   - views: named views binding templates to store queries
//   - audit: reports of what the pipeline infers for a template
//   - config, logging, errors, version, watcher: the ambient stack
//   - testutils: fixtures shared by the package tests
//
// # Errors
//
// Every package returns *errors.LiveError values. Advisory errors are
// recovered inside the pipeline by falling back to deep serialization;
// structural errors make a session resend the full page.
package internal
