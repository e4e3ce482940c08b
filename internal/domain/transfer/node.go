package transfer

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeKind discriminates the two node variants a job can reference.
type NodeKind string

const (
	// NodeKindServer is a remote DICOM application entity reachable over
	// the network.
	NodeKindServer NodeKind = "server"

	// NodeKindFolder is a local filesystem destination.
	NodeKindFolder NodeKind = "folder"
)

// Capability names one Query/Retrieve information model or DIMSE service a
// server node supports.
type Capability string

const (
	CapabilityPatientRootFind Capability = "PATIENT_ROOT_FIND"
	CapabilityPatientRootGet  Capability = "PATIENT_ROOT_GET"
	CapabilityPatientRootMove Capability = "PATIENT_ROOT_MOVE"
	CapabilityStudyRootFind   Capability = "STUDY_ROOT_FIND"
	CapabilityStudyRootGet    Capability = "STUDY_ROOT_GET"
	CapabilityStudyRootMove   Capability = "STUDY_ROOT_MOVE"
	CapabilityStore           Capability = "STORE"
)

// CapabilitySet is the set of capabilities a server node advertises.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// List returns the capabilities in the set.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// ServerConfig holds the connection parameters of a server node.
type ServerConfig struct {
	aeTitle      string
	host         string
	port         int
	capabilities CapabilitySet
}

// NewServerConfig creates the server variant payload.
func NewServerConfig(aeTitle, host string, port int, capabilities CapabilitySet) ServerConfig {
	return ServerConfig{aeTitle: aeTitle, host: host, port: port, capabilities: capabilities}
}

func (c ServerConfig) AETitle() string             { return c.aeTitle }
func (c ServerConfig) Host() string                { return c.host }
func (c ServerConfig) Port() int                   { return c.port }
func (c ServerConfig) Capabilities() CapabilitySet { return c.capabilities }

// Address returns the host:port dial target.
func (c ServerConfig) Address() string { return fmt.Sprintf("%s:%d", c.host, c.port) }

// Node is an immutable DICOM node: either a server or a folder. Jobs and
// tasks reference nodes, they never own them.
type Node struct {
	id     uuid.UUID
	name   string
	kind   NodeKind
	server *ServerConfig
	folder string
}

// NewServerNode creates a server node.
func NewServerNode(id uuid.UUID, name string, config ServerConfig) *Node {
	return &Node{id: id, name: name, kind: NodeKindServer, server: &config}
}

// NewFolderNode creates a folder node rooted at path.
func NewFolderNode(id uuid.UUID, name, path string) *Node {
	return &Node{id: id, name: name, kind: NodeKindFolder, folder: path}
}

func (n *Node) ID() uuid.UUID  { return n.id }
func (n *Node) Name() string   { return n.name }
func (n *Node) Kind() NodeKind { return n.kind }

// Server returns the server payload; ok is false for folder nodes.
func (n *Node) Server() (ServerConfig, bool) {
	if n.kind != NodeKindServer || n.server == nil {
		return ServerConfig{}, false
	}
	return *n.server, true
}

// FolderPath returns the folder payload; ok is false for server nodes.
func (n *Node) FolderPath() (string, bool) {
	if n.kind != NodeKindFolder {
		return "", false
	}
	return n.folder, true
}
