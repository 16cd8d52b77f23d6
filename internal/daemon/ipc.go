// Copyright 2024 DriveForest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"

	"driveforest/internal/analyze"
	"driveforest/internal/forest"
)

// Request types
const (
	RequestStatus       = "status"
	RequestStop         = "stop"
	RequestLookup       = "lookup"        // Find a mirrored object by identity
	RequestHash         = "hash"          // Find files by content hash
	RequestProbe        = "probe"         // Request a probe of a directory (or a file's parent)
	RequestRescan       = "rescan"        // Request a probe of every directory
	RequestReloadConfig = "reload_config" // Reload daemon config from disk
)

// Request represents an IPC request
type Request struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`    // Lookup/Probe: object identity
	Hash  string `json:"hash,omitempty"`  // Hash: hex digest
	Force bool   `json:"force,omitempty"` // Probe/Rescan: enumerate even if unchanged
}

// EntryInfo describes one mirrored object
type EntryInfo struct {
	ID          string            `json:"id"`
	Parent      string            `json:"parent,omitempty"`
	Drive       string            `json:"drive"`
	Kind        string            `json:"kind"`
	Path        string            `json:"path"`
	Fingerprint int64             `json:"fingerprint"`
	Size        int64             `json:"size,omitempty"`
	Hash        string            `json:"hash,omitempty"`
	TypeClass   string            `json:"type_class,omitempty"`
	Children    int               `json:"children,omitempty"`
	Metadata    *analyze.Metadata `json:"metadata,omitempty"`
}

// NewEntryInfo converts a forest entry for the wire.
func NewEntryInfo(e forest.Entry) EntryInfo {
	info := EntryInfo{
		ID:          e.ID.String(),
		Drive:       e.Drive,
		Kind:        e.Kind.String(),
		Path:        e.Path,
		Fingerprint: e.Fingerprint,
		Size:        e.Size,
		TypeClass:   e.TypeClass,
		Children:    e.Children,
		Metadata:    e.Metadata,
	}
	if e.Parent != uuid.Nil {
		info.Parent = e.Parent.String()
	}
	if !e.Hash.IsZero() {
		info.Hash = e.Hash.String()
	}
	return info
}

// DriveStatus describes one mirrored drive
type DriveStatus struct {
	Name string `json:"name"`
	Path string `json:"path"`
	ID   string `json:"id"`
}

// Status is the daemon state returned by the status request
type Status struct {
	Drives    []DriveStatus `json:"drives"`
	Stats     forest.Stats  `json:"stats"`
	Idle      bool          `json:"idle"`
	StartedAt int64         `json:"started_at"` // Unix timestamp
	Backend   string        `json:"backend"`
}

// Response represents an IPC response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	PID     int         `json:"pid,omitempty"`
	Status  *Status     `json:"status,omitempty"`
	Entries []EntryInfo `json:"entries,omitempty"` // Lookup/Hash results
	Count   int         `json:"count,omitempty"`   // Rescan: directories requested
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	// Make socket accessible
	os.Chmod(SocketPath(), 0600)

	go s.accept()

	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)

	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// call sends req and turns an unsuccessful response into an error.
func (c *Client) call(req *Request) (*Response, error) {
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

// Status returns the daemon state
func (c *Client) Status() (*Response, error) {
	return c.call(&Request{Type: RequestStatus})
}

// Stop asks the daemon to shut down
func (c *Client) Stop() (*Response, error) {
	return c.call(&Request{Type: RequestStop})
}

// Lookup returns the object with the given identity
func (c *Client) Lookup(id string) (*EntryInfo, error) {
	resp, err := c.call(&Request{Type: RequestLookup, ID: id})
	if err != nil {
		return nil, err
	}
	if len(resp.Entries) == 0 {
		return nil, fmt.Errorf("daemon returned no entry for %s", id)
	}
	return &resp.Entries[0], nil
}

// FindHash returns every file whose content has the given digest
func (c *Client) FindHash(digest string) ([]EntryInfo, error) {
	resp, err := c.call(&Request{Type: RequestHash, Hash: digest})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Probe requests a probe of the object with the given identity
func (c *Client) Probe(id string, force bool) error {
	_, err := c.call(&Request{Type: RequestProbe, ID: id, Force: force})
	return err
}

// Rescan requests a probe of every directory and returns how many were
// requested
func (c *Client) Rescan(force bool) (int, error) {
	resp, err := c.call(&Request{Type: RequestRescan, Force: force})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ReloadConfig asks the daemon to re-read settings.yaml
func (c *Client) ReloadConfig() (*Response, error) {
	return c.call(&Request{Type: RequestReloadConfig})
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}
