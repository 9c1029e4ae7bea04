package gateway

import (
	"sort"
	"strings"
)

type guideline struct {
	key   string
	label string
	text  string
}

type promptSection struct {
	title string
	items []guideline
}

const promptIntro = `You are a medical data extraction assistant. Read the prescription image and return a single JSON object with exactly this layout and nothing else: no prose before or after it, no code fences. Use "NA" for anything that is not visible. Never guess at information the image does not show.

{
  "prescriptionType": {"type": "", "customType": ""},
  "patientDetails": {"patientName": "", "age": "", "gender": "", "uhid": "", "date": "", "allergies": ""},
  "clinicalDetails": {"diagnosis": "", "chiefComplaints": "", "medicalHistory": "", "examination": ""},
  "vitals": {"bloodPressure": "", "pulse": "", "temperature": "", "spO2": "", "weight": "", "height": "", "bmi": "", "others": ""},
  "medications": [{"drugName": "", "formulation": "", "strength": "", "route": "", "frequency": "", "duration": "", "specialInstructions": ""}],
  "advice": {"lifestyleAdvice": "", "investigations": "", "followUpInstructions": ""},
  "doctorDetails": {"doctorName": "", "signature": "", "registrationNo": ""},
  "clinicDetails": {"clinicName": "", "hospitalName": "", "branch": "", "location": "", "address": "", "contactNumbers": "", "email": "", "website": "", "logo": "", "branding": ""},
  "confidence": 0.0
}

Set "confidence" to your overall certainty between 0 and 1.`

var promptSections = []promptSection{
	{"PRESCRIPTION TYPE", []guideline{
		{"prescriptionType", "Type", "Classify the specialty: General Medicine, Dental, Dermatology, Surgical/Post-op, Pediatric, Gynecology/Obstetrics, Diagnostic/Lab Referral or Others. Use letterhead, terminology and drug classes as clues."},
	}},
	{"PATIENT", []guideline{
		{"patientName", "Name", "Copy the patient's full name exactly as written, usually after 'Name:' or 'Patient:'."},
		{"patientAge", "Age", "Read the age in any notation such as '25 yrs', '45Y' or '30 years'."},
		{"patientGender", "Gender", "Read M/F, Male/Female or an equivalent marker."},
		{"patientUhid", "UHID", "Read the UHID, patient ID, membership or registration number."},
		{"patientDate", "Date", "Read the prescription date from the header, footer or a 'Date:' label."},
		{"patientAllergies", "Allergies", "Record allergies or sensitivities, including 'NKDA'."},
	}},
	{"CLINICAL", []guideline{
		{"diagnosis", "Diagnosis", "Read the diagnosis or impression, often after 'Dx:' or 'Diagnosis:'."},
		{"chiefComplaints", "Chief complaints", "Read the presenting complaints after 'C/O:' with duration and severity."},
		{"medicalHistory", "History", "Read past history after 'H/O:' or 'PMH:', including HTN, DM and prior surgery."},
		{"examination", "Examination", "Read findings after 'O/E:' or 'Examination:'."},
	}},
	{"VITALS", []guideline{
		{"vitalsBP", "Blood pressure", "Read readings such as '120/80 mmHg'."},
		{"vitalsPulse", "Pulse", "Read the pulse or heart rate in bpm."},
		{"vitalsTemperature", "Temperature", "Read the temperature with its unit."},
		{"vitalsSpO2", "SpO2", "Read oxygen saturation as a percentage."},
		{"vitalsOthers", "Other", "Read weight, height, BMI and any other measurement with units."},
	}},
	{"MEDICATIONS (list every one)", []guideline{
		{"medicationDrugName", "Drug", "Read each generic or brand name, typically after 'Rx:' or in a numbered list."},
		{"medicationFormulation", "Form", "Tablet, capsule, syrup, ointment, injection, drops and so on."},
		{"medicationStrength", "Strength", "Dose strength with unit: mg, ml, g, mcg or %."},
		{"medicationRoute", "Route", "Oral, topical, IM, IV, sublingual."},
		{"medicationFrequency", "Frequency", "OD, BD, TDS, QID, 1-0-1 or the written equivalent."},
		{"medicationDuration", "Duration", "Days, weeks, SOS or PRN."},
		{"medicationInstructions", "Instructions", "Timing or application notes such as 'after food'."},
	}},
	{"ADVICE", []guideline{
		{"lifestyleAdvice", "Lifestyle", "Non-drug advice: diet, rest, exercise, wound care, physiotherapy."},
		{"investigations", "Investigations", "Ordered tests such as CBC, X-ray or MRI."},
		{"followUpInstructions", "Follow-up", "Review dates and next-visit instructions."},
	}},
	{"DOCTOR", []guideline{
		{"doctorName", "Name", "The prescribing doctor's name, usually prefixed 'Dr.'."},
		{"doctorSignature", "Signature", "Whether a signature or stamp is present."},
		{"doctorRegistration", "Registration", "Registration or license number."},
	}},
	{"CLINIC", []guideline{
		{"clinicName", "Name", "Clinic or hospital name from the letterhead."},
		{"clinicLocation", "Location", "Address, city and pin code."},
		{"clinicContact", "Contact", "Phone numbers."},
		{"clinicEmail", "Email", "Email addresses or websites."},
		{"clinicBranding", "Branding", "Logos, letterheads or other branding."},
	}},
}

const promptAbbreviations = `Common abbreviations: C/O complaints of, O/E on examination, Tab tablet, AF after food, BD twice daily, TDS three times daily, QID four times daily, SOS if needed, PRN as required, HTN hypertension, DM diabetes mellitus, NKDA no known drug allergies.`

// BuildPrompt assembles the extraction prompt. fieldPrompts replace the
// built-in guideline with the same key; any other field prompt is appended
// as an extra instruction. modelPrompt, if set, is appended last.
func BuildPrompt(fields []string, fieldPrompts map[string]string, modelPrompt string) string {
	var b strings.Builder
	b.WriteString(promptIntro)
	b.WriteString("\n\nEXTRACTION GUIDELINES\n")

	used := make(map[string]bool)
	for i, s := range promptSections {
		b.WriteString("\n")
		b.WriteString(itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(s.title)
		b.WriteString("\n")
		for _, g := range s.items {
			text := g.text
			if custom, ok := fieldPrompts[g.key]; ok {
				text = custom
				used[g.key] = true
			}
			b.WriteString("- ")
			b.WriteString(g.label)
			b.WriteString(": ")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}

	var extra []string
	for k := range fieldPrompts {
		if !used[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		b.WriteString("\nADDITIONAL FIELD INSTRUCTIONS\n")
		for _, k := range extra {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(fieldPrompts[k])
			b.WriteString("\n")
		}
	}

	if len(fields) > 0 {
		b.WriteString("\nPay particular attention to: ")
		b.WriteString(strings.Join(fields, ", "))
		b.WriteString(".\n")
	}

	b.WriteString("\n")
	b.WriteString(promptAbbreviations)

	if modelPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(modelPrompt)
	}
	b.WriteString("\n\nReturn only the JSON object.")
	return b.String()
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}
