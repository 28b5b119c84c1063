package record

import (
	"SettlementLedger/internal/settlement"
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Minimum encoded sizes, used to reject absurd vector lengths before allocating.
const (
	minTradeSize   = 6*4 + 3*8 + 1 + 8 + 8 + 2*settlement.PubkeySize + 2*4 + 2*8 + 2*4
	minSummarySize = 4 + settlement.PubkeySize + 4*8
)

func serializationError(what string, err error) error {
	return fmt.Errorf("%s: %v: %w", what, err, settlement.ErrSerialization)
}

func encodeFields(enc *bin.Encoder, fields ...interface{}) error {
	for _, f := range fields {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeFields(dec *bin.Decoder, fields ...interface{}) error {
	for _, f := range fields {
		if err := dec.Decode(f); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(enc *bin.Encoder, disc uint64, version, bump uint8, reserved [6]byte) error {
	if err := enc.WriteUint64(disc, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint8(version); err != nil {
		return err
	}
	if err := enc.WriteUint8(bump); err != nil {
		return err
	}
	return enc.WriteBytes(reserved[:], false)
}

// readHeader checks the discriminator and version and returns bump and padding.
func readHeader(dec *bin.Decoder, wantDisc uint64, wantVersion uint8) (bump uint8, reserved [6]byte, err error) {
	disc, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return 0, reserved, err
	}
	version, err := dec.ReadUint8()
	if err != nil {
		return 0, reserved, err
	}
	if bump, err = dec.ReadUint8(); err != nil {
		return 0, reserved, err
	}
	raw, err := dec.ReadNBytes(len(reserved))
	if err != nil {
		return 0, reserved, err
	}
	copy(reserved[:], raw)

	if disc != wantDisc {
		return 0, reserved, fmt.Errorf("discriminator mismatch: got %#016x, want %#016x", disc, wantDisc)
	}
	if version != wantVersion {
		return 0, reserved, fmt.Errorf("unsupported version %d, want %d", version, wantVersion)
	}
	return bump, reserved, nil
}

// readCount reads a u32 vector length and rejects one the remaining bytes
// cannot possibly hold.
func readCount(dec *bin.Decoder, minElem int) (int, error) {
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return 0, err
	}
	if int64(n)*int64(minElem) > int64(dec.Remaining()) {
		return 0, fmt.Errorf("vector length %d exceeds remaining %d bytes", n, dec.Remaining())
	}
	return int(n), nil
}

// MarshalWithEncoder writes the record as Borsh: header, then the batch in
// field order.
func (r SettlementRecord) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := writeHeader(enc, r.Discriminator, r.Version, r.Bump, r.Reserved); err != nil {
		return err
	}
	return enc.Encode(&r.Batch)
}

// UnmarshalWithDecoder reads a record written by MarshalWithEncoder.
func (r *SettlementRecord) UnmarshalWithDecoder(dec *bin.Decoder) error {
	bump, reserved, err := readHeader(dec, SettlementDiscriminator, SettlementVersion)
	if err != nil {
		return err
	}
	r.Discriminator, r.Version, r.Bump, r.Reserved = SettlementDiscriminator, SettlementVersion, bump, reserved

	b := &r.Batch
	if err := decodeFields(dec, &b.BatchID, &b.TimestampMs, &b.Relayer); err != nil {
		return err
	}

	n, err := readCount(dec, minTradeSize)
	if err != nil {
		return fmt.Errorf("trades: %w", err)
	}
	if n > 0 {
		b.Trades = make([]settlement.Trade, n)
		for i := range b.Trades {
			t := &b.Trades[i]
			if err := dec.Decode(t); err != nil {
				return fmt.Errorf("trade %d: %w", i, err)
			}
			if t.TakerSide > settlement.SideSell {
				return fmt.Errorf("trade %d: invalid side %d", i, t.TakerSide)
			}
		}
	}

	if n, err = readCount(dec, minSummarySize); err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	if n > 0 {
		b.Accounts = make([]settlement.Summary, n)
		for i := range b.Accounts {
			if err := dec.Decode(&b.Accounts[i]); err != nil {
				return fmt.Errorf("account %d: %w", i, err)
			}
		}
	}

	return decodeFields(dec, &b.BlockHeight, &b.TxSignature, &b.TotalVolumeE6, &b.TotalFeesE6, &b.DataHash)
}

// EncodeSettlementRecord serializes a settlement record.
func EncodeSettlementRecord(r *SettlementRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(SettlementRecordSize(&r.Batch))
	if err := r.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, serializationError("encode settlement record", err)
	}
	return buf.Bytes(), nil
}

// SettlementRecordSize is the exact encoded size of a record holding b.
func SettlementRecordSize(b *settlement.Batch) int {
	n := HeaderSize
	n += 4 + len(b.BatchID) + 8 + settlement.PubkeySize
	n += 4
	for i := range b.Trades {
		t := &b.Trades[i]
		n += minTradeSize + len(t.ID) + len(t.Market) +
			len(t.TakerOrderID) + len(t.MakerOrderID) +
			len(t.TakerAccountID) + len(t.MakerAccountID)
	}
	n += 4
	for i := range b.Accounts {
		n += minSummarySize + len(b.Accounts[i].AccountID)
	}
	n += 8 + 64 + 8 + 8 + 32
	return n
}

// DecodeSettlementRecord parses a settlement record, rejecting a foreign
// discriminator, an unknown version, truncation and trailing bytes.
func DecodeSettlementRecord(data []byte) (*SettlementRecord, error) {
	dec := bin.NewBorshDecoder(data)
	rec := &SettlementRecord{}
	if err := rec.UnmarshalWithDecoder(dec); err != nil {
		return nil, serializationError("settlement record", err)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("settlement record: %d trailing bytes: %w", dec.Remaining(), settlement.ErrSerialization)
	}
	return rec, nil
}

// MarshalWithEncoder writes the aggregate as Borsh. Every field is fixed
// width, so the output is always UserAggregateSize bytes.
func (u UserAggregate) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := writeHeader(enc, u.Discriminator, u.Version, u.Bump, u.Reserved); err != nil {
		return err
	}
	return encodeFields(enc,
		u.Wallet,
		u.TotalTrades, u.MakerTrades, u.TakerTrades,
		u.TotalVolumeE6, u.MakerVolumeE6, u.TakerVolumeE6,
		u.TotalFeesE6, u.MakerFeesE6, u.TakerFeesE6,
		u.FirstTradeTs, u.LastTradeTs,
		u.MarketTrades,
		u.ReservedSlots,
	)
}

// UnmarshalWithDecoder reads an aggregate written by MarshalWithEncoder.
func (u *UserAggregate) UnmarshalWithDecoder(dec *bin.Decoder) error {
	bump, reserved, err := readHeader(dec, UserAggregateDiscriminator, UserAggregateVersion)
	if err != nil {
		return err
	}
	u.Discriminator, u.Version, u.Bump, u.Reserved = UserAggregateDiscriminator, UserAggregateVersion, bump, reserved

	return decodeFields(dec,
		&u.Wallet,
		&u.TotalTrades, &u.MakerTrades, &u.TakerTrades,
		&u.TotalVolumeE6, &u.MakerVolumeE6, &u.TakerVolumeE6,
		&u.TotalFeesE6, &u.MakerFeesE6, &u.TakerFeesE6,
		&u.FirstTradeTs, &u.LastTradeTs,
		&u.MarketTrades,
		&u.ReservedSlots,
	)
}

// EncodeUserAggregate serializes an aggregate into exactly UserAggregateSize bytes.
func EncodeUserAggregate(u *UserAggregate) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(UserAggregateSize)
	if err := u.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, serializationError("encode user aggregate", err)
	}
	return buf.Bytes(), nil
}

// DecodeUserAggregate parses an aggregate of exactly UserAggregateSize bytes.
func DecodeUserAggregate(data []byte) (*UserAggregate, error) {
	if len(data) != UserAggregateSize {
		return nil, fmt.Errorf("user aggregate: got %d bytes, want %d: %w",
			len(data), UserAggregateSize, settlement.ErrSerialization)
	}
	u := &UserAggregate{}
	if err := u.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, serializationError("user aggregate", err)
	}
	return u, nil
}
