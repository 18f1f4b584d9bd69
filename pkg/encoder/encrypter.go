package encoder

import "fmt"

type Encrypter interface {
	Decrypt([]byte) ([]byte, error)
	Encrypt([]byte) ([]byte, error)
}

// EncryptedResultCodec seals the output of another codec, so that cache stores shared with
// other systems never see result contents.
type EncryptedResultCodec struct {
	codec     ResultCodec
	encrypter Encrypter
}

var _ ResultCodec = (*EncryptedResultCodec)(nil)

func NewEncryptedResultCodec(codec ResultCodec, encrypter Encrypter) *EncryptedResultCodec {
	return &EncryptedResultCodec{codec: codec, encrypter: encrypter}
}

func (c *EncryptedResultCodec) Encode(result []any) ([]byte, error) {
	data, err := c.codec.Encode(result)
	if err != nil {
		return nil, err
	}

	sealed, err := c.encrypter.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("encrypt result: %w", err)
	}

	return sealed, nil
}

func (c *EncryptedResultCodec) Decode(data []byte) ([]any, error) {
	opened, err := c.encrypter.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptResult, err)
	}

	return c.codec.Decode(opened)
}
