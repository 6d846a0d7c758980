package speech

import (
	"fmt"

	"github.com/hammamikhairi/balcao/internal/domain"
)

// Sentence returns the spoken text for a call. Queue calls include the
// ticket number; appointment calls never do.
func Sentence(req domain.CallRequest) string {
	if req.Kind == domain.KindAppointment {
		return fmt.Sprintf("%s, por favor, compareça ao balcão para o seu atendimento agendado.", req.SubjectName)
	}
	return fmt.Sprintf("%s, número %d, compareça ao balcão.", req.SubjectName, req.SequenceNumber)
}
