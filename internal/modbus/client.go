package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Client is a Modbus TCP master. Requests are serialized; a broken
// connection is dropped and re-dialed on the next request.
type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
}

func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{
		address: address,
		timeout: timeout,
	}
}

// Connect stellt TCP-Verbindung her
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	c.conn = conn
	return nil
}

// Close schließt die Verbindung
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SendFrame sendet ein Frame und wartet auf Response
func (c *Client) SendFrame(ctx context.Context, request *ModbusFrame) (*ModbusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	response, err := c.roundTrip(request)
	if err != nil {
		// Stream position is unknown after a failed exchange.
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	if response.TransactionID != request.TransactionID {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Client) roundTrip(request *ModbusFrame) (*ModbusFrame, error) {
	if _, err := c.conn.Write(request.Encode()); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	buf := make([]byte, maxFrameLen)
	if _, err := io.ReadFull(c.conn, buf[:headerLen]); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < 2 || headerLen-1+length > maxFrameLen {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}
	total := 6 + length
	if _, err := io.ReadFull(c.conn, buf[headerLen:total]); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(buf[:total])
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return response, nil
}

// ReadHoldingRegisters liest Holding Registers
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadHoldingRegistersRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

// ReadInputRegisters liest Input Registers
func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadInputRegistersRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

func (c *Client) ReadCoils(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]bool, error) {
	response, err := c.SendFrame(ctx, ReadCoilsRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitResponse(quantity)
}

func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]bool, error) {
	response, err := c.SendFrame(ctx, ReadDiscreteInputsRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitResponse(quantity)
}

// WriteSingleRegister schreibt ein einzelnes Register
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	_, err := c.SendFrame(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	return err
}

func (c *Client) WriteSingleCoil(ctx context.Context, unitID uint8, addr uint16, on bool) error {
	_, err := c.SendFrame(ctx, WriteSingleCoilRequest(unitID, addr, on))
	return err
}
