package keystore

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/meshbus/peerauth/internal/log"
)

const (
	fileMagic   = "PAKS"
	fileVersion = 1

	flagEncrypted = 1 << 0

	saltSize   = 16
	headerSize = len(fileMagic) + 2 + saltSize

	recordHeaderSize = 8
	// Records longer than this are treated as corruption of the length prefix.
	maxRecordSize = 1 << 20
)

// Argon2id parameters used to derive the file encryption key from a passphrase.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

var (
	ErrBadHeader     = errors.New("key store file has an invalid header")
	ErrNeedPassword  = errors.New("key store file is encrypted")
	ErrWrongPassword = errors.New("key store passphrase is incorrect")
)

// FileBackend is an append-only log of records. Each record is framed by its length and a
// CRC-32 checksum and is synced to disk before Append returns. A record that fails its checksum
// is skipped on load; a truncated final record is discarded.
//
// When opened with a passphrase, record bodies are sealed with XChaCha20-Poly1305 under a key
// derived from the passphrase with Argon2id.
type FileBackend struct {
	path string
	file *os.File
	aead cipher.AEAD
	salt [saltSize]byte
	// validSize is the offset just past the last intact record.
	validSize int64
	log       log.Logger
}

// OpenFile opens or creates the log at path. An empty passphrase disables encryption. A
// passphrase is required to open a file created with one.
func OpenFile(path string, passphrase []byte) (*FileBackend, error) {
	f := &FileBackend{path: path, log: log.Scoped("keystore").With(filepath.Base(path))}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	f.file = file

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := f.initHeader(file, passphrase); err != nil {
			file.Close()
			return nil, err
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, err
		}
		f.validSize = int64(headerSize)
		return f, nil
	}
	if err := f.readHeader(passphrase); err != nil {
		file.Close()
		return nil, err
	}
	return f, nil
}

// IsEncryptedFile reports whether the log at path was created with a passphrase. An empty file
// is reported as unencrypted.
func IsEncryptedFile(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()
	header := make([]byte, headerSize)
	n, err := io.ReadFull(file, header)
	if n == 0 {
		return false, nil
	}
	if err != nil || string(header[:len(fileMagic)]) != fileMagic {
		return false, ErrBadHeader
	}
	return header[len(fileMagic)+1]&flagEncrypted != 0, nil
}

func deriveKey(passphrase []byte, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return chacha20poly1305.NewX(key)
}

func (f *FileBackend) initHeader(w io.Writer, passphrase []byte) error {
	var flags byte
	if len(passphrase) > 0 {
		flags |= flagEncrypted
		if _, err := rand.Read(f.salt[:]); err != nil {
			return err
		}
		aead, err := deriveKey(passphrase, f.salt[:])
		if err != nil {
			return err
		}
		f.aead = aead
	}
	header := make([]byte, 0, headerSize)
	header = append(header, fileMagic...)
	header = append(header, fileVersion, flags)
	header = append(header, f.salt[:]...)
	_, err := w.Write(header)
	return err
}

func (f *FileBackend) readHeader(passphrase []byte) error {
	header := make([]byte, headerSize)
	if _, err := f.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: %s", ErrBadHeader, err)
	}
	if string(header[:len(fileMagic)]) != fileMagic || header[len(fileMagic)] != fileVersion {
		return ErrBadHeader
	}
	flags := header[len(fileMagic)+1]
	copy(f.salt[:], header[len(fileMagic)+2:])
	if flags&flagEncrypted == 0 {
		return nil
	}
	if len(passphrase) == 0 {
		return ErrNeedPassword
	}
	aead, err := deriveKey(passphrase, f.salt[:])
	if err != nil {
		return err
	}
	f.aead = aead
	return nil
}

// Encrypted reports whether record bodies are sealed.
func (f *FileBackend) Encrypted() bool {
	return f.aead != nil
}

func (f *FileBackend) seal(body []byte) ([]byte, error) {
	if f.aead == nil {
		return body, nil
	}
	nonce := make([]byte, f.aead.NonceSize(), f.aead.NonceSize()+len(body)+f.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return f.aead.Seal(nonce, nonce, body, f.salt[:]), nil
}

func (f *FileBackend) open(body []byte) ([]byte, error) {
	if f.aead == nil {
		return body, nil
	}
	if len(body) < f.aead.NonceSize() {
		return nil, ErrBadRecord
	}
	nonce, ciphertext := body[:f.aead.NonceSize()], body[f.aead.NonceSize():]
	return f.aead.Open(nil, nonce, ciphertext, f.salt[:])
}

func (f *FileBackend) frame(r *Record) ([]byte, error) {
	body, err := f.seal(r.marshal())
	if err != nil {
		return nil, err
	}
	framed := make([]byte, recordHeaderSize, recordHeaderSize+len(body))
	binary.BigEndian.PutUint32(framed[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(framed[4:8], crc32.ChecksumIEEE(body))
	return append(framed, body...), nil
}

// Load reads every intact record. A torn final record is truncated away so that subsequent
// appends start at a record boundary.
func (f *FileBackend) Load() ([]Record, error) {
	if _, err := f.file.Seek(int64(headerSize), io.SeekStart); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(f.file)
	offset := int64(headerSize)
	var records []Record
	var authFailures, decoded int
	for {
		var prefix [recordHeaderSize]byte
		if _, err := io.ReadFull(reader, prefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				f.log.Warning("discarding torn record at offset %d", offset)
				break
			}
			return nil, err
		}
		length := binary.BigEndian.Uint32(prefix[0:4])
		if length > maxRecordSize {
			f.log.Warning("record length %d at offset %d is implausible, truncating", length, offset)
			break
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				f.log.Warning("discarding torn record at offset %d", offset)
				break
			}
			return nil, err
		}
		next := offset + recordHeaderSize + int64(length)
		if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(prefix[4:8]) {
			f.log.Warning("skipping record at offset %d: checksum mismatch", offset)
			offset = next
			continue
		}
		plaintext, err := f.open(body)
		if err != nil {
			authFailures++
			offset = next
			continue
		}
		r, err := unmarshalRecord(plaintext)
		if err != nil {
			f.log.Warning("skipping record at offset %d: %s", offset, err)
			offset = next
			continue
		}
		decoded++
		records = append(records, *r)
		offset = next
	}
	// A checksummed record that cannot be opened means the key is wrong, not that the disk is
	// damaged.
	if authFailures > 0 && decoded == 0 {
		return nil, ErrWrongPassword
	}
	if authFailures > 0 {
		f.log.Warning("skipped %d records that failed authentication", authFailures)
	}
	f.validSize = offset
	if err := f.file.Truncate(offset); err != nil {
		return nil, err
	}
	return records, nil
}

func (f *FileBackend) Append(r Record) error {
	framed, err := f.frame(&r)
	if err != nil {
		return err
	}
	if _, err := f.file.WriteAt(framed, f.validSize); err != nil {
		return err
	}
	if err := f.file.Sync(); err != nil {
		return err
	}
	f.validSize += int64(len(framed))
	return nil
}

// Rewrite writes live to a temporary file and renames it over the log.
func (f *FileBackend) Rewrite(live []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	header := make([]byte, 0, headerSize)
	header = append(header, fileMagic...)
	var flags byte
	if f.aead != nil {
		flags = flagEncrypted
	}
	header = append(header, fileVersion, flags)
	header = append(header, f.salt[:]...)
	buf.Write(header)
	for i := range live {
		framed, err := f.frame(&live[i])
		if err != nil {
			tmp.Close()
			return err
		}
		buf.Write(framed)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	file, err := os.OpenFile(f.path, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	f.file.Close()
	f.file = file
	f.validSize = int64(buf.Len())
	return nil
}

func (f *FileBackend) Close() error {
	return f.file.Close()
}
