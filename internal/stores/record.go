package stores

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	mechanismRecordVersion1 = 1
)

var (
	ErrRecordNotFound = errors.New("mechanism record not found")
	ErrRecordExists   = errors.New("mechanism record already exists")
	ErrBackend        = errors.New("mechanism store backend unavailable")
	errRecordCorrupt  = errors.New("invalid mechanism record")
)

// MechanismRecord is the stored form of one mechanism.
type MechanismRecord struct {
	ID          string
	Issuer      string
	AccountName string
	Kind        string
	Protocol    string
	CreatedAt   int64
	Payload     []byte
}

// IdentityKey is the stored form of an identity reference.
type IdentityKey struct {
	Issuer      string
	AccountName string
}

func encodeMechanismRecord(record *MechanismRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mechanismRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	for _, field := range []string{record.ID, record.Issuer, record.AccountName, record.Kind, record.Protocol} {
		if len(field) > 65535 {
			return nil, errors.New("mechanism record field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(record.Payload))); err != nil {
		return nil, err
	}
	buf.Write(record.Payload)

	return buf.Bytes(), nil
}

func decodeMechanismRecord(data []byte) (*MechanismRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, errRecordCorrupt
	}
	if version != mechanismRecordVersion1 {
		return nil, errors.New("invalid mechanism record version")
	}

	record := &MechanismRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, errRecordCorrupt
	}

	fields := []*string{&record.ID, &record.Issuer, &record.AccountName, &record.Kind, &record.Protocol}
	for _, field := range fields {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, errRecordCorrupt
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, errRecordCorrupt
		}
		*field = string(raw)
	}

	var payloadLen uint32
	if err := binary.Read(reader, binary.BigEndian, &payloadLen); err != nil {
		return nil, errRecordCorrupt
	}
	if int64(payloadLen) > int64(reader.Len()) {
		return nil, errRecordCorrupt
	}
	record.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, record.Payload); err != nil {
		return nil, errRecordCorrupt
	}

	return record, nil
}
