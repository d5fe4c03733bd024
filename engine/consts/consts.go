package consts

import "time"

// Tunable Options
const (
	// For Stream Transport
	// BUFFERED_READ_BUFFSIZE is the read buffer size for peer connections
	BUFFERED_READ_BUFFSIZE = 16384
	// BUFFERED_WRITE_BUFFSIZE is the write buffer size for peer connections
	BUFFERED_WRITE_BUFFSIZE = 16384
	// PEER_SEND_QUEUE_SIZE is the max number of packets queued for one peer before sends are dropped
	PEER_SEND_QUEUE_SIZE = 10000
	// PEER_RECV_QUEUE_SIZE is the number of received packets buffered per connection
	PEER_RECV_QUEUE_SIZE = 1000
	// PEER_DIAL_TIMEOUT is the timeout for one dial attempt
	PEER_DIAL_TIMEOUT = time.Second * 3
	// PEER_MAX_DIAL_ATTEMPTS is the number of failed dials before a peer is reported unreachable
	PEER_MAX_DIAL_ATTEMPTS = 5
	// PEER_HEARTBEAT_INTERVAL is the interval of heartbeat packets on idle peer connections
	PEER_HEARTBEAT_INTERVAL = time.Second
	// PEER_READ_TIMEOUT is how long an inbound connection may stay silent before the peer is considered dead
	PEER_READ_TIMEOUT = time.Second * 10

	// For CellApp Service
	// CELLAPP_INBOUND_QUEUE_SIZE is the default inbound backlog above which a cellapp reports it is falling behind
	CELLAPP_INBOUND_QUEUE_SIZE = 10000
	// CELLAPP_HOUSEKEEPING_INTERVAL is the wall-clock interval of load sampling and stats logging
	CELLAPP_HOUSEKEEPING_INTERVAL = time.Second * 5

	// For Handoff
	// MAX_DESTROY_FORWARD_HOPS is the number of times a destroy request may be forwarded between cellapps
	MAX_DESTROY_FORWARD_HOPS = 4

	// For Storage
	// STORAGE_OPERATION_WARN_THRESHOLD is the duration after which storage operations are reported slow
	STORAGE_OPERATION_WARN_THRESHOLD = time.Millisecond * 100

	// For Operation Monitor
	// OPMON_DUMP_INTERVAL is the interval to print opmon infos to output
	OPMON_DUMP_INTERVAL = 0

	// For Diagnostics
	// DIAG_RECENT_VIOLATIONS is the number of consistency violations kept for the debug endpoint
	DIAG_RECENT_VIOLATIONS = 256
	// STALE_MESSAGE_LOG_RATE is the max number of stale-message warnings logged per second
	STALE_MESSAGE_LOG_RATE = 5
)

// Debug Options
const (
	// DEBUG_PACKETS prints packet send/recv debug logs
	DEBUG_PACKETS = false
	// DEBUG_GHOSTS prints ghost create/update/delete debug logs
	DEBUG_GHOSTS = false
	// DEBUG_HANDOFF prints authority handoff debug logs
	DEBUG_HANDOFF = false
	// DEBUG_BUFFERING prints buffered ghost message debug logs
	DEBUG_BUFFERING = false
	// DEBUG_SAVE_LOAD prints save & load debug logs
	DEBUG_SAVE_LOAD = false
	// DEBUG_SPACES prints space and cell debug logs
	DEBUG_SPACES = false
)
