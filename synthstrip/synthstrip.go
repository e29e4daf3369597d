// Package synthstrip shells out to FreeSurfer's SynthStrip docker image to
// skull strip T1-weighted volumes. Requires docker and a GPU on the host.
package synthstrip

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
)

// DockerImage is the SynthStrip container used for stripping.
const DockerImage = "freesurfer/synthstrip"

// Container-side mount points.
const (
	containerIn  = "/data"
	containerOut = "/out"
)

// Options configures one stripping run.
type Options struct {
	// Border is SynthStrip's -b brain extraction threshold, in mm.
	Border int

	// KeepBrainMask also copies the `_brain-mask.nii.gz` file next to the
	// output image.
	KeepBrainMask bool

	// GPUDevice is the docker --gpus device selector.
	GPUDevice string

	// RunCommand is swappable for tests; defaults to running docker.
	RunCommand func(ctx context.Context, name string, args ...string) error
}

func defaultOptions(opts Options) Options {
	if opts.Border == 0 {
		opts.Border = 1
	}
	if opts.GPUDevice == "" {
		opts.GPUDevice = "device=0"
	}
	if opts.RunCommand == nil {
		opts.RunCommand = func(ctx context.Context, name string, args ...string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Stdout = os.Stderr
			cmd.Stderr = os.Stderr
			return cmd.Run()
		}
	}
	return opts
}

// BrainMaskName is the mask file name SynthStrip output derives from an
// image name: everything before the first dot plus `_brain-mask.nii.gz`.
func BrainMaskName(imageName string) string {
	base := imageName
	if idx := strings.Index(base, "."); idx >= 0 {
		base = base[:idx]
	}
	return base + "_brain-mask.nii.gz"
}

// Run strips src and writes the stripped volume to dst. Docker volume mounts
// can struggle with symlinked or network filesystems, so the input is staged
// through a temp dir and the result copied back out.
func Run(ctx context.Context, src, dst string, opts Options) error {
	opts = defaultOptions(opts)

	tmpDir, err := os.MkdirTemp("", "synthstrip")
	if err != nil {
		return pfx.Err(err)
	}
	defer os.RemoveAll(tmpDir)

	inName := filepath.Base(src)
	outName := filepath.Base(dst)
	maskName := BrainMaskName(outName)

	if err := copyFile(src, filepath.Join(tmpDir, inName)); err != nil {
		return fmt.Errorf("synthstrip: staging %s: %w", src, err)
	}

	args := []string{
		"run",
		"-v", tmpDir + ":" + containerIn,
		"-v", tmpDir + ":" + containerOut,
		"--gpus", opts.GPUDevice,
		DockerImage,
		"-i", containerIn + "/" + inName,
		"-o", containerOut + "/" + outName,
		"-m", containerOut + "/" + maskName,
		"-b", strconv.Itoa(opts.Border),
	}

	log.Println("Skull stripping", src)
	if err := opts.RunCommand(ctx, "docker", args...); err != nil {
		return fmt.Errorf("synthstrip: docker run: %w", err)
	}

	if err := copyFile(filepath.Join(tmpDir, outName), dst); err != nil {
		return fmt.Errorf("synthstrip: collecting output for %s: %w", src, err)
	}
	if opts.KeepBrainMask {
		maskDst := filepath.Join(filepath.Dir(dst), maskName)
		if err := copyFile(filepath.Join(tmpDir, maskName), maskDst); err != nil {
			return fmt.Errorf("synthstrip: collecting brain mask for %s: %w", src, err)
		}
	}

	return nil
}

// Strip adapts Run to the assembler's image hook signature.
func Strip(opts Options) func(ctx context.Context, src, dst string) error {
	return func(ctx context.Context, src, dst string) error {
		return Run(ctx, src, dst, opts)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Close()
}
