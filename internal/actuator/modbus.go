package actuator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/modbus"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"

	"go.uber.org/zap"
)

const defaultRegisterScale = 10

// registerClient is the subset of the modbus client used for setpoints
type registerClient interface {
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error)
}

// ModbusConfig describes a Modbus TCP heat pump or controller
type ModbusConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	SlaveID byte          `yaml:"slave_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModbusBus is a shared Modbus TCP connection. It connects lazily and drops
// the connection on link errors so the next call reconnects.
type ModbusBus struct {
	mu      sync.Mutex
	config  ModbusConfig
	client  registerClient
	dial    func(ctx context.Context) (registerClient, func() error, error)
	closeFn func() error
	logger  *zap.Logger
}

// NewModbusBus creates a bus for the given device; nothing is dialled until first use
func NewModbusBus(config ModbusConfig, logger *zap.Logger) *ModbusBus {
	if config.Port == 0 {
		config.Port = 502
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	b := &ModbusBus{config: config, logger: logger.Named("modbus")}
	b.dial = b.dialTCP
	return b
}

func (b *ModbusBus) dialTCP(ctx context.Context) (registerClient, func() error, error) {
	addr := fmt.Sprintf("%s:%d", b.config.Host, b.config.Port)
	handler := modbus.NewTCPClientHandler(addr)
	handler.SlaveID = b.config.SlaveID
	handler.Timeout = b.config.Timeout
	handler.ProtocolRecoveryTimeout = 250 * time.Millisecond
	handler.LinkRecoveryTimeout = 5 * time.Second

	if err := handler.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	b.logger.Info("Connected to Modbus device", zap.String("addr", addr))
	return modbus.NewClient(handler), handler.Close, nil
}

func (b *ModbusBus) do(ctx context.Context, op func(registerClient) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		client, closeFn, err := b.dial(ctx)
		if err != nil {
			return errors.Join(setpoint.ErrActuatorUnavailable, err)
		}
		b.client = client
		b.closeFn = closeFn
	}

	err := op(b.client)
	if err != nil && isConnError(err) {
		b.logger.Warn("Modbus link error, dropping connection", zap.Error(err))
		b.closeLocked()
		return errors.Join(setpoint.ErrActuatorUnavailable, err)
	}
	return err
}

func (b *ModbusBus) closeLocked() {
	if b.closeFn != nil {
		_ = b.closeFn()
	}
	b.client = nil
	b.closeFn = nil
}

// Close drops the connection
func (b *ModbusBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection refused")
}

// Register is a holding register storing a setpoint as a scaled int16
type Register struct {
	bus     *ModbusBus
	address uint16
	scale   float64
}

// NewRegister binds a holding register. scale 10 means tenths of a degree.
func NewRegister(bus *ModbusBus, address uint16, scale float64) *Register {
	if scale == 0 {
		scale = defaultRegisterScale
	}
	return &Register{bus: bus, address: address, scale: scale}
}

// Ref identifies the register
func (r *Register) Ref() string {
	return fmt.Sprintf("modbus://%s:%d/%d/%d", r.bus.config.Host, r.bus.config.Port, r.bus.config.SlaveID, r.address)
}

// ReadSetpoint reads and unscales the register
func (r *Register) ReadSetpoint(ctx context.Context) (float64, error) {
	var raw []byte
	err := r.bus.do(ctx, func(c registerClient) error {
		var err error
		raw, err = c.ReadHoldingRegisters(ctx, r.address, 1)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read register %d: %w", r.address, err)
	}
	if len(raw) < 2 {
		return 0, fmt.Errorf("read register %d: short response (%d bytes)", r.address, len(raw))
	}
	return float64(int16(binary.BigEndian.Uint16(raw))) / r.scale, nil
}

// WriteSetpoint scales and writes the register
func (r *Register) WriteSetpoint(ctx context.Context, tempC float64) error {
	scaled := math.Round(tempC * r.scale)
	if scaled < math.MinInt16 || scaled > math.MaxInt16 {
		return fmt.Errorf("temperature %.2f out of register range", tempC)
	}
	value := uint16(int16(scaled))

	err := r.bus.do(ctx, func(c registerClient) error {
		_, err := c.WriteSingleRegister(ctx, r.address, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("write register %d: %w", r.address, err)
	}
	return nil
}
