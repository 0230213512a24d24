package ui

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warpmesh/internal/mesh"
)

// Controls are the callbacks the live view invokes on key presses.
type Controls struct {
	ToggleAudio func(enabled bool)
	ToggleVideo func(enabled bool)
}

// MeshView shows every connection of a session live until the user quits
// or the event stream closes.
type MeshView struct {
	program *tea.Program
	model   *meshModel
	wg      sync.WaitGroup
}

type eventMsg mesh.Event

// streamClosedMsg is sent once the session event stream has ended.
type streamClosedMsg struct{}

type tickMsg time.Time

type meshModel struct {
	room     string
	self     mesh.ParticipantID
	events   <-chan mesh.Event
	controls Controls

	peers    map[mesh.ParticipantID]mesh.PeerStatus
	retries  map[mesh.ParticipantID]int
	audio    bool
	video    bool
	spinner  spinner.Model
	started  time.Time
	quitting bool
	closed   bool
}

// NewMeshView creates the live view for one session.
func NewMeshView(room string, self mesh.ParticipantID, events <-chan mesh.Event, controls Controls) *MeshView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &MeshView{
		model: &meshModel{
			room:     room,
			self:     self,
			events:   events,
			controls: controls,
			peers:    make(map[mesh.ParticipantID]mesh.PeerStatus),
			retries:  make(map[mesh.ParticipantID]int),
			audio:    true,
			video:    true,
			spinner:  s,
			started:  time.Now(),
		},
	}
}

// Run blocks until the view exits.
func (v *MeshView) Run() error {
	// Inline mode: earlier terminal output stays visible.
	v.program = tea.NewProgram(v.model)
	_, err := v.program.Run()
	return err
}

// Start runs the view in a goroutine.
func (v *MeshView) Start() {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		if err := v.Run(); err != nil {
			PrintErrorf("UI error: %v", err)
		}
	}()
}

// Wait blocks until a started view exits.
func (v *MeshView) Wait() {
	v.wg.Wait()
}

func (m *meshModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.listenForEvents(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m *meshModel) listenForEvents() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *meshModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "a":
			m.audio = !m.audio
			if m.controls.ToggleAudio != nil {
				m.controls.ToggleAudio(m.audio)
			}
		case "v":
			m.video = !m.video
			if m.controls.ToggleVideo != nil {
				m.controls.ToggleVideo(m.video)
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		if !m.quitting {
			cmds = append(cmds, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }))
		}

	case eventMsg:
		m.apply(mesh.Event(msg))
		cmds = append(cmds, m.listenForEvents())

	case streamClosedMsg:
		m.closed = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

func (m *meshModel) apply(ev mesh.Event) {
	prev, seen := m.peers[ev.Participant]
	if ev.State == mesh.StateFailed && (!seen || prev.State != mesh.StateFailed) {
		m.retries[ev.Participant]++
	}
	if ev.State == mesh.StateClosed {
		delete(m.peers, ev.Participant)
		return
	}
	m.peers[ev.Participant] = mesh.PeerStatus{
		Participant: ev.Participant,
		State:       ev.State,
		Stream:      ev.Stream,
		Retry:       mesh.RetrySchedule{Total: m.retries[ev.Participant]},
	}
}

func (m *meshModel) rows() []mesh.PeerStatus {
	rows := make([]mesh.PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		rows = append(rows, p)
	}
	slices.SortFunc(rows, func(a, b mesh.PeerStatus) int {
		return strings.Compare(string(a.Participant), string(b.Participant))
	})
	return rows
}

func (m *meshModel) connected() int {
	n := 0
	for _, p := range m.peers {
		if p.State == mesh.StateConnected {
			n++
		}
	}
	return n
}

func (m *meshModel) View() string {
	if m.quitting || m.closed {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s as %s", IconRoom, m.room, m.self)))
	b.WriteString("\n")

	status := fmt.Sprintf("%d/%d connected", m.connected(), len(m.peers))
	if len(m.peers) > 0 && m.connected() == len(m.peers) {
		status = SuccessStyle.Render("Full mesh: " + status)
	} else {
		status = m.spinner.View() + " " + status
	}
	fmt.Fprintf(&b, "%s  %s\n\n", status, MutedStyle.Render(time.Since(m.started).Round(time.Second).String()))

	b.WriteString(PeerTableView(m.rows()))
	b.WriteString("\n")

	audio, video := IconAudio+" on", IconVideo+" on"
	if !m.audio {
		audio = IconMuted + " audio off"
	}
	if !m.video {
		video = IconMuted + " video off"
	}
	b.WriteString(fmt.Sprintf("\n%s   %s\n", audio, video))
	b.WriteString(FooterStyle.Render("a: toggle audio  v: toggle video  q: leave"))

	return b.String()
}
