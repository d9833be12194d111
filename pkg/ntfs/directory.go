package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/gobwas/glob"
)

// fnrKeyFixedSize is the byte offset of the variable-length name field
// within an encoded FileNameRecord key (spec §3: parent ref + four
// FILETIMEs + two sizes + flags + ea/reparse + namelen + namespace).
const fnrKeyFixedSize = 66

// FileNameRecord is the $FILE_NAME attribute payload: one name, one
// namespace, and a duplicated snapshot of size/time/flag fields used
// by directory listings without opening the target file (spec §3).
type FileNameRecord struct {
	Parent               FileRecordReference
	CreationTime         FileTime
	ModificationTime     FileTime
	MftModificationTime  FileTime
	AccessTime           FileTime
	AllocatedSize        int64
	RealSize             int64
	Flags                uint32
	EaSizeOrReparseTag   uint32
	Namespace            Namespace
	Name                 string
}

func encodeFileNameKey(r FileNameRecord) []byte {
	nameUnits := utf16.Encode([]rune(r.Name))
	buf := make([]byte, fnrKeyFixedSize+len(nameUnits)*2)

	binary.LittleEndian.PutUint64(buf[0:], uint64(r.Parent))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.CreationTime))
	binary.LittleEndian.PutUint64(buf[16:], uint64(r.ModificationTime))
	binary.LittleEndian.PutUint64(buf[24:], uint64(r.MftModificationTime))
	binary.LittleEndian.PutUint64(buf[32:], uint64(r.AccessTime))
	binary.LittleEndian.PutUint64(buf[40:], uint64(r.AllocatedSize))
	binary.LittleEndian.PutUint64(buf[48:], uint64(r.RealSize))
	binary.LittleEndian.PutUint32(buf[56:], r.Flags)
	binary.LittleEndian.PutUint32(buf[60:], r.EaSizeOrReparseTag)
	buf[64] = byte(len(nameUnits))
	buf[65] = byte(r.Namespace)
	for i, u := range nameUnits {
		binary.LittleEndian.PutUint16(buf[fnrKeyFixedSize+i*2:], u)
	}
	return buf
}

func decodeFileNameKey(buf []byte) (FileNameRecord, error) {
	if len(buf) < fnrKeyFixedSize {
		return FileNameRecord{}, corruptf("file name record shorter than header")
	}
	nameLen := int(buf[64])
	if fnrKeyFixedSize+nameLen*2 > len(buf) {
		return FileNameRecord{}, corruptf("file name record name out of range")
	}
	units := make([]uint16, nameLen)
	for i := 0; i < nameLen; i++ {
		units[i] = binary.LittleEndian.Uint16(buf[fnrKeyFixedSize+i*2:])
	}
	return FileNameRecord{
		Parent:              FileRecordReference(binary.LittleEndian.Uint64(buf[0:])),
		CreationTime:        FileTime(binary.LittleEndian.Uint64(buf[8:])),
		ModificationTime:    FileTime(binary.LittleEndian.Uint64(buf[16:])),
		MftModificationTime: FileTime(binary.LittleEndian.Uint64(buf[24:])),
		AccessTime:          FileTime(binary.LittleEndian.Uint64(buf[32:])),
		AllocatedSize:       int64(binary.LittleEndian.Uint64(buf[40:])),
		RealSize:            int64(binary.LittleEndian.Uint64(buf[48:])),
		Flags:               binary.LittleEndian.Uint32(buf[56:]),
		EaSizeOrReparseTag:  binary.LittleEndian.Uint32(buf[60:]),
		Namespace:           Namespace(buf[65]),
		Name:                string(utf16.Decode(units)),
	}, nil
}

// filenameBytesFromKey extracts the UTF-16LE name bytes from an
// encoded FileNameRecord key, the slice the FilenameCollator compares
// (spec §4.10: "compared by NTFS-uppercase lexicographic order of the
// UTF-16 name bytes").
func filenameBytesFromKey(key []byte) []byte {
	if len(key) < fnrKeyFixedSize {
		return nil
	}
	nameLen := int(key[64])
	end := fnrKeyFixedSize + nameLen*2
	if end > len(key) {
		end = len(key)
	}
	return key[fnrKeyFixedSize:end]
}

type fileNameKeyCodec struct{}

func (fileNameKeyCodec) EncodeKey(k FileNameRecord) []byte         { return encodeFileNameKey(k) }
func (fileNameKeyCodec) DecodeKey(b []byte) (FileNameRecord, error) { return decodeFileNameKey(b) }

type fileRefCodec struct{}

func (fileRefCodec) EncodeValue(r FileRecordReference) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(r))
	return buf
}

func (fileRefCodec) DecodeValue(b []byte) (FileRecordReference, error) {
	if len(b) < 8 {
		return 0, corruptf("directory entry value truncated")
	}
	return FileRecordReference(binary.LittleEndian.Uint64(b)), nil
}

// DirEntry is one listed child: its name, namespace, and target
// reference.
type DirEntry struct {
	Name      string
	Namespace Namespace
	Ref       FileRecordReference
}

// Directory is a FileNameRecord-keyed IndexView: a B+ index of names
// to child MFT references (spec §4.10).
type Directory struct {
	file *File
	view *IndexView[FileNameRecord, FileRecordReference]
}

// NewDirectoryIndex creates the $I30 index on a freshly allocated
// directory file.
func NewDirectoryIndex(f *File) (*Directory, error) {
	idx, err := NewIndex(f, "$I30", AttrFileName, FilenameCollator{UpCase: f.ctx.UpCase})
	if err != nil {
		return nil, err
	}
	return &Directory{file: f, view: NewIndexView[FileNameRecord, FileRecordReference](idx, fileNameKeyCodec{}, fileRefCodec{})}, nil
}

// OpenDirectory reopens the $I30 index on an existing directory file.
func OpenDirectory(f *File) (*Directory, error) {
	if f.base.Flags&FileRecordIsDirectory == 0 {
		return nil, invalidArgf("mft %d is not a directory", f.index)
	}
	idx, err := openIndexOnFile(f, "$I30")
	if err != nil {
		return nil, err
	}
	return &Directory{file: f, view: NewIndexView[FileNameRecord, FileRecordReference](idx, fileNameKeyCodec{}, fileRefCodec{})}, nil
}

// ValidateName checks the length and character constraints spec §4.10
// imposes on a single path component.
func ValidateName(name string) error {
	units := utf16.Encode([]rune(name))
	if len(units) == 0 || len(units) > 255 {
		return invalidArgf("name length %d out of range 1..255", len(units))
	}
	if strings.ContainsAny(name, "\x00/") {
		return invalidArgf("name %q contains a forbidden character", name)
	}
	return nil
}

// AddEntry creates a new FileNameRecord attribute on child, increments
// its hard-link count, and inserts the (name → ref) pair into this
// directory's index (spec §4.10).
func (d *Directory) AddEntry(child *File, name string, ns Namespace) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	now := Now()
	fnr := FileNameRecord{
		Parent: d.file.Reference(), Namespace: ns, Name: name,
		CreationTime: now, ModificationTime: now, MftModificationTime: now, AccessTime: now,
	}
	if dataAttr, err := child.Attribute(AttrData, ""); err == nil {
		fnr.AllocatedSize = dataAttr.AllocatedLength
		fnr.RealSize = dataAttr.DataLength
	}
	if child.base.Flags&FileRecordIsDirectory != 0 {
		fnr.Flags |= 0x10000000
	}

	ar := &AttributeRecord{Type: AttrFileName, ResidentData: encodeFileNameKey(fnr), Indexed: true}
	child.base.AddAttribute(ar, d.file.ctx.UpCase)
	child.base.HardLinkCount++
	child.markDirty()

	return d.view.Insert(fnr, child.Reference())
}

// RemoveEntry removes the index entry and FileName attribute for
// name, then — per spec §4.10's alias handling — also removes the
// paired Win32/Dos short-name entry referencing the same child, if
// one exists.
func (d *Directory) RemoveEntry(name string) error {
	ref, ok, err := d.view.Lookup(FileNameRecord{Name: name})
	if err != nil {
		return err
	}
	if !ok {
		return notFoundf("directory entry %q not found", name)
	}

	removedNS, err := d.removeNamedEntry(name, ref)
	if err != nil {
		return err
	}

	if removedNS == NamespaceWin32 || removedNS == NamespaceDos {
		pairNS := NamespaceDos
		if removedNS == NamespaceDos {
			pairNS = NamespaceWin32
		}
		if pairName, ok := d.findAliasName(ref, pairNS); ok {
			if _, err := d.removeNamedEntry(pairName, ref); err != nil {
				return err
			}
		}
	}

	return nil
}

// removeNamedEntry removes the single index entry and attribute
// matching name (which must currently resolve to ref), returning the
// namespace it was stored under.
func (d *Directory) removeNamedEntry(name string, ref FileRecordReference) (Namespace, error) {
	if err := d.view.Remove(FileNameRecord{Name: name}); err != nil {
		return 0, err
	}

	child, err := OpenFile(d.file.ctx, ref.MftIndex())
	if err != nil {
		return 0, err
	}

	var ns Namespace
	for _, ar := range child.base.Attributes {
		if ar.Type != AttrFileName {
			continue
		}
		fnr, err := decodeFileNameKey(ar.ResidentData)
		if err != nil {
			continue
		}
		if fnr.Name == name && fnr.Parent.MftIndex() == d.file.index {
			ns = fnr.Namespace
			child.base.RemoveAttribute(ar.ID)
			break
		}
	}
	if child.base.HardLinkCount > 0 {
		child.base.HardLinkCount--
	}
	child.markDirty()
	return ns, child.flush()
}

// findAliasName looks for a FileName attribute on ref's file with the
// given namespace and the same parent as this directory.
func (d *Directory) findAliasName(ref FileRecordReference, ns Namespace) (string, bool) {
	child, err := OpenFile(d.file.ctx, ref.MftIndex())
	if err != nil {
		return "", false
	}
	for _, ar := range child.base.Attributes {
		if ar.Type != AttrFileName {
			continue
		}
		fnr, err := decodeFileNameKey(ar.ResidentData)
		if err != nil {
			continue
		}
		if fnr.Namespace == ns && fnr.Parent.MftIndex() == d.file.index {
			return fnr.Name, true
		}
	}
	return "", false
}

// Lookup resolves name to a child reference.
func (d *Directory) Lookup(name string) (FileRecordReference, bool, error) {
	return d.view.Lookup(FileNameRecord{Name: name})
}

// List returns every visible entry (Dos-namespace aliases are hidden
// by convention, per spec §3).
func (d *Directory) List() ([]DirEntry, error) {
	var out []DirEntry
	err := d.view.Range(func(k FileNameRecord, ref FileRecordReference) bool {
		if k.Namespace != NamespaceDos {
			out = append(out, DirEntry{Name: k.Name, Namespace: k.Namespace, Ref: ref})
		}
		return true
	})
	return out, err
}

// Glob returns every visible entry whose name matches pattern, using
// shell-style globbing.
func (d *Directory) Glob(pattern string) ([]DirEntry, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, invalidArgf("bad glob pattern %q: %v", pattern, err)
	}
	entries, err := d.List()
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for _, e := range entries {
		if g.Match(e.Name) {
			out = append(out, e)
		}
	}
	return out, nil
}

// CreateShortName generates a unique `BASE~N.EXT` 8.3 name for
// longName within this directory, trying N = 1, 2, 3, … (spec §4.10).
func (d *Directory) CreateShortName(longName string) (string, error) {
	base, ext := splitExt(longName)
	base = shortBasePart(base)
	ext = shortExtPart(ext)

	for n := 1; n < 1_000_000; n++ {
		suffix := fmt.Sprintf("~%d", n)
		truncated := base
		if len(truncated)+len(suffix) > 8 {
			truncated = truncated[:8-len(suffix)]
		}
		candidate := strings.ToUpper(truncated + suffix)
		if ext != "" {
			candidate += "." + strings.ToUpper(ext)
		}
		if _, ok, _ := d.view.Lookup(FileNameRecord{Name: candidate}); !ok {
			return candidate, nil
		}
	}
	return "", invalidArgf("could not generate a unique short name for %q", longName)
}

func splitExt(name string) (base, ext string) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func shortBasePart(base string) string {
	var b strings.Builder
	for _, r := range base {
		if r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func shortExtPart(ext string) string {
	if len(ext) > 3 {
		ext = ext[:3]
	}
	return ext
}
