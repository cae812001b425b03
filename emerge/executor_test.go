package emerge

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/session"
	"github.com/bitrise-io/go-objtransfer/transfer"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-objtransfer/wire/simulator"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFixture struct {
	sim      *simulator.Simulator
	session  *session.Session
	executor *Executor
	planner  *Planner
	bucketID string
	metrics  *transfer.Metrics
}

func newExecutorFixture(t *testing.T, inFlight int, opts ...simulator.Option) *executorFixture {
	sim := simulator.New(append([]simulator.Option{simulator.WithPartSizes(5, 10)}, opts...)...)
	account := session.NewAccountInfo(session.Credentials{
		RealmURL:       simulator.RealmURL,
		KeyID:          "key-id",
		ApplicationKey: "application-key",
	})
	logger := log.NewLogger()
	s := session.New(sim, account, logger)
	require.NoError(t, s.Authorize(context.Background()))

	config := transfer.DefaultConfig()
	config.RetryWait = 0
	metrics := transfer.NewMetrics(prometheus.NewRegistry())

	planner, err := NewPlanner(5, 10, 100)
	require.NoError(t, err)

	return &executorFixture{
		sim:     sim,
		session: s,
		executor: NewExecutor(ExecutorParams{
			Session:          s,
			Uploads:          transfer.NewUploadManager(s, config, logger, metrics),
			Copies:           transfer.NewCopyManager(s, config, logger, metrics),
			MaxPartsInFlight: inFlight,
			Logger:           logger,
			Metrics:          metrics,
		}),
		planner:  planner,
		bucketID: sim.CreateBucket("bucket"),
		metrics:  metrics,
	}
}

func (f *executorFixture) plan(t *testing.T, sources ...outbound.Source) *BoundedPlan {
	intents, err := outbound.Concatenate(sources...)
	require.NoError(t, err)
	plan, err := f.planner.Plan(intents)
	require.NoError(t, err)
	return plan
}

var content = []byte("0123456789abcdefghijklmno")

func TestExecutor_SmallUpload(t *testing.T) {
	f := newExecutorFixture(t, 4)

	file, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource([]byte("hello"))), f.bucketID, "small.txt", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	data, ok := f.sim.FileData(file.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 1, f.sim.Calls("upload_file"))
	assert.Equal(t, 0, f.sim.Calls("start_large_file"))
}

func TestExecutor_LargeUpload(t *testing.T) {
	f := newExecutorFixture(t, 4)
	plan := f.plan(t, outbound.NewBytesSource(content))
	require.Equal(t, []int64{10, 10, 5}, partLengths(plan.PartList()))

	file, err := f.executor.Execute(context.Background(), plan, f.bucketID, "large.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	data, ok := f.sim.FileData(file.ID)
	require.True(t, ok)
	assert.Equal(t, content, data)
	assert.Equal(t, 3, f.sim.Calls("upload_part"))
	assert.Equal(t, 1, f.sim.Calls("finish_large_file"))
	assert.NotContains(t, file.FileInfo, wire.FileInfoPlanID)
	assert.Empty(t, f.sim.TokenViolations())
}

func TestExecutor_LargeUploadRetriesKeepTokenDiscipline(t *testing.T) {
	f := newExecutorFixture(t, 3)
	unavailable := &wire.Error{Status: 503, Code: wire.CodeServiceError, Message: "busy"}
	f.sim.FailNextUploads(unavailable, unavailable, unavailable)

	file, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	data, _ := f.sim.FileData(file.ID)
	assert.Equal(t, content, data)
	assert.Equal(t, 6, f.sim.Calls("upload_part"))
	assert.Empty(t, f.sim.TokenViolations())
}

func TestExecutor_SmallCopy(t *testing.T) {
	f := newExecutorFixture(t, 4)
	source := f.sim.PutFile(f.bucketID, "source.txt", "text/plain", []byte("copy me please"), map[string]string{"a": "b"})

	plan := f.plan(t, outbound.NewCopySource(source.ID, 5, 2))
	file, err := f.executor.Execute(context.Background(), plan, f.bucketID, "copy.txt", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	data, _ := f.sim.FileData(file.ID)
	assert.Equal(t, "me", string(data))
	assert.Equal(t, 1, f.sim.Calls("copy_file"))

	_, err = f.executor.Execute(context.Background(), plan, f.bucketID, "copy.txt", wire.FileMeta{FileInfo: map[string]string{"x": "y"}}, Options{})
	assert.True(t, errors.Is(err, ErrFileInfoWithoutContentType))
}

func TestExecutor_LargeFileFromUploadAndCopy(t *testing.T) {
	f := newExecutorFixture(t, 4)
	stored := bytes.Repeat([]byte("s"), 40)
	source := f.sim.PutFile(f.bucketID, "source.bin", "application/octet-stream", stored, nil)

	plan := f.plan(t, outbound.NewBytesSource([]byte("uploaded-bts")), outbound.NewCopySource(source.ID, 0, 40))
	require.Equal(t, []int64{12, 40}, partLengths(plan.PartList()))

	file, err := f.executor.Execute(context.Background(), plan, f.bucketID, "mixed.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	data, _ := f.sim.FileData(file.ID)
	assert.Equal(t, append([]byte("uploaded-bts"), stored...), data)
	assert.Equal(t, 1, f.sim.Calls("upload_part"))
	assert.Equal(t, 1, f.sim.Calls("copy_part"))
	assert.Contains(t, file.FileInfo, wire.FileInfoPlanID)
}

func TestExecutor_ResumesMatchingParts(t *testing.T) {
	f := newExecutorFixture(t, 4)
	unfinished := f.sim.SeedUnfinishedFile(wire.StartLargeFileRequest{
		BucketID: f.bucketID,
		FileName: "large.bin",
		Meta:     wire.FileMeta{ContentType: wire.AutoContentType},
	}, content[:10], content[10:20])

	file, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, unfinished.ID, file.ID)
	assert.Equal(t, 0, f.sim.Calls("start_large_file"))
	assert.Equal(t, 1, f.sim.Calls("upload_part"))
	data, _ := f.sim.FileData(file.ID)
	assert.Equal(t, content, data)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.PartsReusedTotal))
}

func TestExecutor_DoesNotResumeDifferentContent(t *testing.T) {
	f := newExecutorFixture(t, 4)
	f.sim.SeedUnfinishedFile(wire.StartLargeFileRequest{BucketID: f.bucketID, FileName: "large.bin"},
		[]byte("xxxxxxxxxx"), content[10:20])

	_, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sim.Calls("start_large_file"))
	assert.Equal(t, 3, f.sim.Calls("upload_part"))
}

func TestExecutor_ResumeNeedsListFilesCapability(t *testing.T) {
	f := newExecutorFixture(t, 4, simulator.WithCapabilities("writeFiles"))
	f.sim.SeedUnfinishedFile(wire.StartLargeFileRequest{BucketID: f.bucketID, FileName: "large.bin"}, content[:10])

	_, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sim.Calls("start_large_file"))
	assert.Equal(t, 0, f.sim.Calls("list_unfinished_large_files"))
}

func TestExecutor_ContinuationNeedsListFilesCapability(t *testing.T) {
	f := newExecutorFixture(t, 4, simulator.WithCapabilities("writeFiles"))
	unfinished := f.sim.SeedUnfinishedFile(wire.StartLargeFileRequest{BucketID: f.bucketID, FileName: "large.bin"}, content[:10])

	_, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin",
		wire.FileMeta{}, Options{ContinueLargeFileID: unfinished.ID})

	assert.True(t, errors.Is(err, ErrContinuationNotAllowed))
	assert.Equal(t, 0, f.sim.Calls("start_large_file"))
	assert.Equal(t, 0, f.sim.Calls("upload_part"))
}

func TestExecutor_ContinuationWithDifferentMetadata(t *testing.T) {
	f := newExecutorFixture(t, 4)
	unfinished := f.sim.SeedUnfinishedFile(wire.StartLargeFileRequest{
		BucketID: f.bucketID,
		FileName: "large.bin",
		Meta:     wire.FileMeta{FileInfo: map[string]string{"color": "blue"}},
	}, content[:10])

	_, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin",
		wire.FileMeta{FileInfo: map[string]string{"color": "red"}}, Options{ContinueLargeFileID: unfinished.ID})

	var mismatch *ResumeMetadataMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, unfinished.ID, mismatch.FileID)
	assert.Equal(t, 0, f.sim.Calls("upload_part"))
}

func TestExecutor_ContinuationForSmallFile(t *testing.T) {
	f := newExecutorFixture(t, 4)

	_, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource([]byte("tiny"))), f.bucketID, "tiny",
		wire.FileMeta{}, Options{ContinueLargeFileID: "4_zsomething"})
	assert.True(t, errors.Is(err, ErrContinuationForSmallFile))
}

func TestExecutor_FirstFailureStopsSiblings(t *testing.T) {
	f := newExecutorFixture(t, 1)
	rejected := &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "rejected"}
	f.sim.FailNextUploads(rejected)

	_, err := f.executor.Execute(context.Background(), f.plan(t, outbound.NewBytesSource(content)), f.bucketID, "large.bin", wire.FileMeta{}, Options{})

	assert.Equal(t, rejected, err)
	assert.Equal(t, 1, f.sim.Calls("upload_part"))
	assert.Equal(t, 0, f.sim.Calls("finish_large_file"))
}

func TestExecutor_RejectsOversizedPlan(t *testing.T) {
	f := newExecutorFixture(t, 4)
	huge := wire.MaxLargeFileSize + 1
	plan := NewBoundedPlan(
		&CopyPart{Source: outbound.NewCopySource("a", 0, huge), Len: huge - 1},
		&CopyPart{Source: outbound.NewCopySource("a", 0, huge), RelativeOffset: huge - 1, Len: 1},
	)

	_, err := f.executor.Execute(context.Background(), plan, f.bucketID, "huge", wire.FileMeta{}, Options{})

	var sizeErr *MaxFileSizeExceededError
	require.True(t, errors.As(err, &sizeErr))
	assert.Equal(t, 0, f.sim.Calls("start_large_file"))
}

func TestExecutor_StreamingAndUnboundPlans(t *testing.T) {
	f := newExecutorFixture(t, 2)

	intents := intentSlice{intentAt(t, outbound.NewBytesSource(content), 0)}
	streaming, err := f.planner.PlanStream(&intents)
	require.NoError(t, err)
	file, err := f.executor.Execute(context.Background(), streaming, f.bucketID, "streamed.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)
	data, _ := f.sim.FileData(file.ID)
	assert.Equal(t, content, data)

	stream, err := outbound.NewUnboundStream(bytes.NewReader(content), 10, 2, outbound.DefaultStreamBufferTimeout)
	require.NoError(t, err)
	unbound, err := f.planner.PlanUnbound(stream)
	require.NoError(t, err)
	file, err = f.executor.Execute(context.Background(), unbound, f.bucketID, "unbound.bin", wire.FileMeta{}, Options{})
	require.NoError(t, err)
	data, _ = f.sim.FileData(file.ID)
	assert.Equal(t, content, data)
}
