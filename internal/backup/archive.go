package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// TarArchiver bundles staged snapshot directories into tar archives and
// unpacks them again during restore. Entry names are stored relative to
// the staging root so archives restore under any target directory.
type TarArchiver struct{}

// NewTarArchiver returns a tar-based Archiver.
func NewTarArchiver() *TarArchiver {
	return &TarArchiver{}
}

// Archive writes the contents of srcDir into a tar file at dst.
func (ta *TarArchiver) Archive(ctx context.Context, srcDir, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return NewArtifactError("failed to create archive file", err).WithContext("target", dst)
	}
	tw := tar.NewWriter(out)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if walkErr != nil {
		tw.Close()
		out.Close()
		os.Remove(dst)
		return NewArtifactError("failed to build archive", walkErr).WithContext("source", srcDir)
	}

	if err := tw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return NewArtifactError("failed to finalize archive", err).WithContext("target", dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return NewArtifactError("failed to flush archive", err).WithContext("target", dst)
	}
	return nil
}

// Extract unpacks the tar file at src into dstDir. Entries that would
// land outside dstDir are rejected.
func (ta *TarArchiver) Extract(ctx context.Context, src, dstDir string) error {
	in, err := os.Open(src)
	if err != nil {
		return NewArtifactError("failed to open archive", err).WithContext("source", src)
	}
	defer in.Close()

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return NewArtifactError("failed to create extraction directory", err).WithContext("target", dstDir)
	}

	tr := tar.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return NewArtifactError("failed to read archive", err).WithContext("source", src)
		}

		target, err := sanitizeExtractPath(dstDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)&0o777); err != nil {
				return NewArtifactError("failed to create directory", err).WithContext("entry", hdr.Name)
			}
		case tar.TypeReg:
			if err := extractRegularFile(tr, hdr, target); err != nil {
				return NewArtifactError("failed to extract file", err).WithContext("entry", hdr.Name)
			}
		case tar.TypeSymlink:
			if err := validateLinkTarget(hdr); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return NewArtifactError("failed to create symlink", err).WithContext("entry", hdr.Name)
			}
		case tar.TypeLink:
			source, err := sanitizeExtractPath(dstDir, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return NewArtifactError("failed to create hard link", err).WithContext("entry", hdr.Name)
			}
		default:
			// Character devices, fifos and the like have no business in
			// a backup archive; skip them.
		}
	}
	return nil
}

func extractRegularFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		os.Remove(target)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return err
	}
	if !hdr.ModTime.IsZero() {
		os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

func sanitizeExtractPath(dstDir, name string) (string, error) {
	target := filepath.Join(dstDir, filepath.FromSlash(name))
	if target != filepath.Clean(dstDir) &&
		!strings.HasPrefix(target, filepath.Clean(dstDir)+string(os.PathSeparator)) {
		return "", NewArtifactError(fmt.Sprintf("archive entry %q escapes extraction directory", name), nil)
	}
	return target, nil
}

func validateLinkTarget(hdr *tar.Header) error {
	if filepath.IsAbs(hdr.Linkname) {
		return NewArtifactError(fmt.Sprintf("symlink %q points to absolute path %q", hdr.Name, hdr.Linkname), nil)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(filepath.FromSlash(hdr.Name)), hdr.Linkname))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(os.PathSeparator)) {
		return NewArtifactError(fmt.Sprintf("symlink %q escapes the archive root", hdr.Name), nil)
	}
	return nil
}
