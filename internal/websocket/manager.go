package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

type ClientMessage struct {
	Client  *Client
	Message *Message
}

// Manager tracks connected devices by tenant and pushes device lifecycle
// events to them.
type Manager struct {
	clients          map[string]*Client
	tenantIndex      map[string]map[string]bool
	clientsMutex     sync.RWMutex
	Register         chan *Client
	Unregister       chan *Client
	HandleMessage    chan *ClientMessage
	maxConnPerTenant int
	maxMessageSize   int64
	writeWait        time.Duration
	pongWait         time.Duration
	pingPeriod       time.Duration
	messageHandler   MessageHandler
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

func NewManager(maxConnPerTenant int, maxMessageSize int64, writeWait, pongWait, pingPeriod time.Duration) *Manager {
	return &Manager{
		clients:          make(map[string]*Client),
		tenantIndex:      make(map[string]map[string]bool),
		Register:         make(chan *Client),
		Unregister:       make(chan *Client),
		HandleMessage:    make(chan *ClientMessage),
		maxConnPerTenant: maxConnPerTenant,
		maxMessageSize:   maxMessageSize,
		writeWait:        writeWait,
		pongWait:         pongWait,
		pingPeriod:       pingPeriod,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.tenantIndex[client.TenantID] == nil {
		m.tenantIndex[client.TenantID] = make(map[string]bool)
	}

	if len(m.tenantIndex[client.TenantID]) >= m.maxConnPerTenant {
		log.Printf("[WebSocket] max connections reached for tenant %s", client.TenantID)
		client.closeCode, client.closeReason = closeOverload, "too many connections"
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.tenantIndex[client.TenantID][client.ID] = true

	log.Printf("[WebSocket] client registered: %s (tenant: %s, device: %s)", client.ID, client.TenantID, client.DeviceID)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	m.removeLocked(client)
}

func (m *Manager) removeLocked(client *Client) {
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	delete(m.clients, client.ID)
	delete(m.tenantIndex[client.TenantID], client.ID)
	if len(m.tenantIndex[client.TenantID]) == 0 {
		delete(m.tenantIndex, client.TenantID)
	}
	close(client.Send)
	log.Printf("[WebSocket] client unregistered: %s", client.ID)
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, clientMsg.Message); err != nil {
			log.Printf("[WebSocket] error handling message: %v", err)
		}
	}
}

// Publish sends an event to every connected device of tenantID. Clients
// with a full buffer are dropped.
func (m *Manager) Publish(tenantID, event string, payload interface{}) {
	msg, err := NewMessage(MessageType(event), payload)
	if err != nil {
		log.Printf("[WebSocket] failed to build %s event: %v", event, err)
		return
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for clientID := range m.tenantIndex[tenantID] {
		client := m.clients[clientID]
		select {
		case client.Send <- messageBytes:
		default:
			log.Printf("[WebSocket] client %s send buffer full, closing connection", clientID)
			client.closeCode, client.closeReason = closeOverload, "event backlog"
			m.removeLocked(client)
		}
	}
}

// DisconnectDevice closes the connections of a revoked device.
func (m *Manager) DisconnectDevice(tenantID, deviceID string) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for clientID := range m.tenantIndex[tenantID] {
		if client := m.clients[clientID]; client.DeviceID == deviceID {
			client.closeCode, client.closeReason = closeRevoked, "device revoked"
			m.removeLocked(client)
		}
	}
}

func (m *Manager) SendToClient(client *Client, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if _, ok := m.clients[client.ID]; !ok {
		return nil
	}
	select {
	case client.Send <- messageBytes:
	default:
		log.Printf("[WebSocket] client %s send buffer full", client.ID)
	}
	return nil
}

func (m *Manager) TenantConnections(tenantID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	return len(m.tenantIndex[tenantID])
}
