package keyring

import (
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// aliasesType is the TLV type of the alias name list.
	aliasesType tlv.Type = 0

	// localAliasType is the TLV type of the local alias name. The record
	// is omitted when no alias is local.
	localAliasType tlv.Type = 1
)

var (
	// ErrMalformedAliasList is returned when the encoded alias list is
	// inconsistent with its declared length.
	ErrMalformedAliasList = errors.New("malformed alias list")
)

// State is the persisted form of the registry. Only alias names are stored,
// the keys themselves are derived again when the state is loaded.
type State struct {
	// LocalAlias is the name of the alias designated as local, if any.
	LocalAlias fn.Option[string]

	// Aliases is the list of registered alias names.
	Aliases []string
}

// DefaultState returns the state used on first start: a single alias named
// DefaultAlias and no local key.
func DefaultState() *State {
	return &State{
		LocalAlias: fn.None[string](),
		Aliases:    []string{DefaultAlias},
	}
}

// Encode serializes the state as a TLV stream.
func (s *State) Encode(w io.Writer) error {
	aliases := s.Aliases
	records := []tlv.Record{
		tlv.MakeDynamicRecord(
			aliasesType, &aliases, func() uint64 {
				return aliasListSize(aliases)
			}, encodeAliasList, decodeAliasList,
		),
	}

	s.LocalAlias.WhenSome(func(name string) {
		local := []byte(name)
		records = append(
			records, tlv.MakePrimitiveRecord(localAliasType, &local),
		)
	})

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode deserializes a state previously written by Encode.
func (s *State) Decode(r io.Reader) error {
	var (
		aliases []string
		local   []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakeDynamicRecord(
			aliasesType, &aliases, func() uint64 {
				return aliasListSize(aliases)
			}, encodeAliasList, decodeAliasList,
		),
		tlv.MakePrimitiveRecord(localAliasType, &local),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}

	s.Aliases = aliases
	s.LocalAlias = fn.None[string]()
	if _, ok := parsed[localAliasType]; ok {
		s.LocalAlias = fn.Some(string(local))
	}

	return nil
}

// aliasListSize returns the encoded length of an alias list.
func aliasListSize(aliases []string) uint64 {
	size := tlv.VarIntSize(uint64(len(aliases)))
	for _, name := range aliases {
		size += tlv.VarIntSize(uint64(len(name))) + uint64(len(name))
	}

	return size
}

// encodeAliasList writes a varint count followed by each name as varint
// length prefixed bytes.
func encodeAliasList(w io.Writer, val interface{}, buf *[8]byte) error {
	if v, ok := val.(*[]string); ok {
		err := tlv.WriteVarInt(w, uint64(len(*v)), buf)
		if err != nil {
			return err
		}

		for _, name := range *v {
			err := tlv.WriteVarInt(w, uint64(len(name)), buf)
			if err != nil {
				return err
			}

			if _, err := w.Write([]byte(name)); err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "*[]string")
}

// decodeAliasList is the inverse of encodeAliasList.
func decodeAliasList(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	v, ok := val.(*[]string)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "*[]string", l, l)
	}

	lr := io.LimitReader(r, int64(l))

	count, err := tlv.ReadVarInt(lr, buf)
	if err != nil {
		return err
	}

	// Every name takes at least one byte for its length prefix.
	if count > l {
		return fmt.Errorf("%w: %d names in %d bytes",
			ErrMalformedAliasList, count, l)
	}

	names := make([]string, 0, count)
	for range count {
		nameLen, err := tlv.ReadVarInt(lr, buf)
		if err != nil {
			return err
		}

		if nameLen > l {
			return fmt.Errorf("%w: name length %d exceeds %d",
				ErrMalformedAliasList, nameLen, l)
		}

		name := make([]byte, nameLen)
		if _, err := io.ReadFull(lr, name); err != nil {
			return err
		}

		names = append(names, string(name))
	}

	*v = names

	return nil
}
