package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/planner/mocks"
)

func TestBuildConsultsStoreAndDestination(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m, chunks := buildTarget(t)

	dest := mocks.NewMockDestination(ctrl)
	// Both target files are probed with their declared size and digest.
	dest.EXPECT().CheckFile("a.bin", m.Files[0].Size, m.Files[0].MD5).Return(true, nil)
	dest.EXPECT().CheckFile("b.bin", m.Files[1].Size, m.Files[1].MD5).Return(false, nil)

	store := mocks.NewMockChunkProber(ctrl)
	store.EXPECT().Probe(chunks[2].ID).Return(false)

	plan, err := Build(m, nil, Options{Store: store, Dest: dest, VerifyExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.FetchCount())
	assert.Equal(t, 1, plan.AssembleFiles)
}

func TestBuildDestinationProbeError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m, _ := buildTarget(t)

	probeErr := fmt.Errorf("disk unplugged")
	dest := mocks.NewMockDestination(ctrl)
	dest.EXPECT().CheckFile(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, probeErr)

	_, err := Build(m, nil, Options{Dest: dest, VerifyExisting: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, probeErr)
}
