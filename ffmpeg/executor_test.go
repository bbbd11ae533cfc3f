package ffmpeg

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func waitDone(t *testing.T, tk *task.Task) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name   string
		params task.Parameters
		want   string
	}{
		{
			name:   "mp3",
			params: task.Parameters{Format: task.MP3(320), Src: "/src.mp4", Target: "/target.mp3"},
			want:   "-y -i /src.mp4 -c:a libmp3lame -b:a 320k /target.mp3",
		},
		{
			name:   "aac",
			params: task.Parameters{Format: task.AAC(128), Src: "/src.mp4", Target: "/target.aac"},
			want:   "-y -i /src.mp4 -c:a aac -b:a 128k /target.aac",
		},
		{
			name:   "flac",
			params: task.Parameters{Format: task.FLAC(), Src: "/src.mp4", Target: "/target.flac"},
			want:   "-y -i /src.mp4 -c:a flac /target.flac",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, strings.Join(Args(tt.params), " "))
		})
	}
}

func TestArgs_KeepsPathsIntact(t *testing.T) {
	args := Args(task.Parameters{Format: task.FLAC(), Src: "/music/my song.mp4", Target: "/out/my song.flac"})
	assert.Equal(t, []string{"-y", "-i", "/music/my song.mp4", "-c:a", "flac", "/out/my song.flac"}, args)
}

func TestExecutor_Launch(t *testing.T) {
	requireBinary(t, "echo")

	tests := []struct {
		params task.Parameters
		want   string
	}{
		{task.Parameters{Format: task.FLAC(), Src: "/src.mp4", Target: "/target.flac"}, "-y -i /src.mp4 -c:a flac /target.flac"},
		{task.Parameters{Format: task.MP3(320), Src: "/src.mp4", Target: "/target.mp3"}, "-y -i /src.mp4 -c:a libmp3lame -b:a 320k /target.mp3"},
		{task.Parameters{Format: task.AAC(128), Src: "/src.mp4", Target: "/target.aac"}, "-y -i /src.mp4 -c:a aac -b:a 128k /target.aac"},
	}

	for _, tt := range tests {
		t.Run(tt.params.Format.String(), func(t *testing.T) {
			tk, err := New("echo").Launch(tt.params)
			require.NoError(t, err)
			assert.Equal(t, task.Running, tk.Status)
			assert.Equal(t, tt.params.Target, tk.Target)
			assert.Greater(t, tk.Pid(), 0)

			waitDone(t, tk)
			assert.Equal(t, tt.want, strings.TrimSpace(tk.Output()))
		})
	}
}

func TestExecutor_LaunchCapturesStderr(t *testing.T) {
	requireBinary(t, "sh")

	tk, err := New("sh", "-c", `echo "bad input" >&2; exit 1`, "sh").Launch(
		task.Parameters{Format: task.FLAC(), Src: "/src.mp4", Target: "/target.flac"})
	require.NoError(t, err)

	waitDone(t, tk)
	assert.Contains(t, tk.Output(), "bad input")
}

func TestExecutor_LaunchMissingBinary(t *testing.T) {
	_, err := New("/nonexistent/ffmpeg").Launch(
		task.Parameters{Format: task.FLAC(), Src: "/src.mp4", Target: "/target.flac"})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrSpawnFailed)

	var spawnErr *task.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/ffmpeg -y -i /src.mp4 -c:a flac /target.flac", spawnErr.Command)
}

func TestExecutor_LaunchRejectsZeroFormat(t *testing.T) {
	var tk *task.Task
	var err error
	require.NotPanics(t, func() {
		tk, err = New("/nonexistent/ffmpeg").Launch(task.Parameters{Src: "/src.mp4", Target: "/target"})
	})
	assert.Nil(t, tk)
	assert.ErrorIs(t, err, task.ErrUnknownFormat)
	assert.NotErrorIs(t, err, task.ErrSpawnFailed)
}

func TestNewExecutor(t *testing.T) {
	t.Run("splits wrapper arguments", func(t *testing.T) {
		requireBinary(t, "env")
		exe, err := NewExecutor(&config.Config{FFBin: `env "FOO=a b" ffmpeg`})
		require.NoError(t, err)
		assert.Equal(t, "env", exe.bin)
		assert.Equal(t, []string{"FOO=a b", "ffmpeg"}, exe.prefix)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := NewExecutor(&config.Config{FFBin: "/nonexistent/ffmpeg"})
		assert.Error(t, err)
	})

	t.Run("empty binary", func(t *testing.T) {
		_, err := NewExecutor(&config.Config{FFBin: "  "})
		assert.Error(t, err)
	})
}

func newManager(t *testing.T, exe *Executor) *task.Manager {
	t.Helper()
	mgr, err := task.NewManager(&config.Config{KillTimeout: 5 * time.Second}, exe)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr
}

var flacParams = task.Parameters{Format: task.FLAC(), Src: "/src.mp4", Target: "/target.flac"}

func TestManagerWithProcesses(t *testing.T) {
	requireBinary(t, "sh")

	t.Run("successful exit completes", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exit 0", "sh"))
		require.NoError(t, mgr.Add("ok", flacParams))

		require.Eventually(t, func() bool {
			snap, err := mgr.Retrieve("ok")
			return err == nil && snap.Status == task.Completed
		}, 5*time.Second, 10*time.Millisecond)

		snap, err := mgr.Retrieve("ok")
		require.NoError(t, err)
		assert.Equal(t, task.Completed, snap.Status)
	})

	t.Run("nonzero exit is interrupted with its code", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exit 3", "sh"))
		require.NoError(t, mgr.Add("fail", flacParams))

		require.Eventually(t, func() bool {
			snap, err := mgr.Retrieve("fail")
			return err == nil && snap.Status.IsTerminal()
		}, 5*time.Second, 10*time.Millisecond)

		snap, err := mgr.Retrieve("fail")
		require.NoError(t, err)
		require.Equal(t, task.StatusInterrupted, snap.Status.Kind)
		require.NotNil(t, snap.Status.ExitCode)
		assert.Equal(t, 3, *snap.Status.ExitCode)
	})

	t.Run("retrieve does not wait for a running process", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exec sleep 30", "sh"))
		require.NoError(t, mgr.Add("slow", flacParams))

		start := time.Now()
		snap, err := mgr.Retrieve("slow")
		require.NoError(t, err)
		assert.Equal(t, task.Running, snap.Status)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("abort kills a running process", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exec sleep 30", "sh"))
		require.NoError(t, mgr.Add("slow", flacParams))

		aborted, err := mgr.Abort(context.Background(), "slow")
		require.NoError(t, err)
		require.NotNil(t, aborted)
		assert.Equal(t, task.Interrupted(nil), aborted.Status)
		assert.Equal(t, "/target.flac", aborted.Target)
		waitDone(t, aborted)

		assert.NotContains(t, mgr.List(), "slow")
	})

	t.Run("abort after exit succeeds", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exit 0", "sh"))
		require.NoError(t, mgr.Add("done", flacParams))
		require.Eventually(t, func() bool {
			snap, err := mgr.Retrieve("done")
			return err == nil && snap.Status.IsTerminal()
		}, 5*time.Second, 10*time.Millisecond)

		aborted, err := mgr.Abort(context.Background(), "done")
		require.NoError(t, err)
		assert.Equal(t, task.Interrupted(nil), aborted.Status)
	})

	t.Run("concurrent add, retrieve, list and abort", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exec sleep 30", "sh"))
		ids := []string{"a", "b", "c", "d", "e"}

		var wg sync.WaitGroup
		errs := make(chan error, 60)
		for i := 0; i < 20; i++ {
			id := ids[i%len(ids)]
			wg.Add(3)
			go func() {
				defer wg.Done()
				errs <- mgr.Add(id, flacParams)
			}()
			go func() {
				defer wg.Done()
				_, err := mgr.Retrieve(id)
				errs <- err
				_ = mgr.List()
			}()
			go func() {
				defer wg.Done()
				_, err := mgr.Abort(context.Background(), id)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		require.NoError(t, mgr.Shutdown(context.Background()))
		assert.Empty(t, mgr.List())
	})

	t.Run("zero format is not registered", func(t *testing.T) {
		mgr := newManager(t, New("sh", "-c", "exit 0", "sh"))

		err := mgr.Add("nofmt", task.Parameters{Src: "/src.mp4", Target: "/target"})
		assert.ErrorIs(t, err, task.ErrUnknownFormat)
		assert.Empty(t, mgr.List())
	})

	t.Run("spawn failure is not registered", func(t *testing.T) {
		mgr := newManager(t, New("/nonexistent/ffmpeg"))

		err := mgr.Add("missing", flacParams)
		assert.ErrorIs(t, err, task.ErrSpawnFailed)

		snap, err := mgr.Retrieve("missing")
		assert.NoError(t, err)
		assert.Nil(t, snap)
	})
}
